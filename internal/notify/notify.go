// Package notify carries post-commit side effects out of the settlement
// path. Everything here is fire-and-forget: a sink failure is logged and
// never rolls back or fails the request that triggered it.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sinparty/esf-settlement/internal/models"
	"go.uber.org/zap"
)

// Sink receives settlement side effects.
type Sink interface {
	OnBalanceChanged(ctx context.Context, userID int64, newBalanceMicros int64)
	OnFirstPartnerTransaction(ctx context.Context, userID int64)
	OnGiftPayment(ctx context.Context, userID int64, movement models.Movement)
}

const dispatchTimeout = 5 * time.Second

// Dispatcher fans events out to a Sink on background goroutines, detached
// from the request context so a partner disconnect cannot cancel them.
type Dispatcher struct {
	sink   Sink
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewDispatcher(sink Sink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{sink: sink, logger: logger}
}

func (d *Dispatcher) BalanceChanged(userID int64, newBalanceMicros int64) {
	d.dispatch("balance_changed", func(ctx context.Context) {
		d.sink.OnBalanceChanged(ctx, userID, newBalanceMicros)
	})
}

func (d *Dispatcher) FirstPartnerTransaction(userID int64) {
	d.dispatch("first_partner_transaction", func(ctx context.Context) {
		d.sink.OnFirstPartnerTransaction(ctx, userID)
	})
}

func (d *Dispatcher) GiftPayment(userID int64, movement models.Movement) {
	d.dispatch("gift_payment", func(ctx context.Context) {
		d.sink.OnGiftPayment(ctx, userID, movement)
	})
}

func (d *Dispatcher) dispatch(event string, fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("notification sink panicked",
					zap.String("event", event),
					zap.Any("panic", rec),
				)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until all in-flight dispatches finish. Shutdown and test hook.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogSink is the default Sink: it records events in the service log. Real
// delivery (websocket broadcast, mailing-list sync, gift receipts) hangs off
// the same interface in the hosting application.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) OnBalanceChanged(ctx context.Context, userID int64, newBalanceMicros int64) {
	s.logger.Info("balance changed",
		zap.Int64("user_id", userID),
		zap.Int64("balance_micros", newBalanceMicros),
	)
}

func (s *LogSink) OnFirstPartnerTransaction(ctx context.Context, userID int64) {
	s.logger.Info("first partner transaction", zap.Int64("user_id", userID))
}

func (s *LogSink) OnGiftPayment(ctx context.Context, userID int64, movement models.Movement) {
	s.logger.Info("gift payment",
		zap.Int64("user_id", userID),
		zap.String("movement_id", movement.ID.String()),
		zap.Int64("amount_micros", movement.AmountMicros),
	)
}
