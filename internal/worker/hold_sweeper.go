package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sinparty/esf-settlement/internal/holds"
	"github.com/sinparty/esf-settlement/internal/observability"
	"go.uber.org/zap"
)

// HoldSweeper releases open holds whose expiry has passed. Holds are soft
// and never debit the ledger, so sweeping is a pure state transition with no
// refund to issue. Safe for concurrent instances: Release only transitions
// holds that are still open.
type HoldSweeper struct {
	store        holds.Store
	pollInterval time.Duration
	batchSize    int
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewHoldSweeper constructs a sweeper with a one minute poll interval.
func NewHoldSweeper(store holds.Store) *HoldSweeper {
	return &HoldSweeper{
		store:        store,
		pollInterval: time.Minute,
		batchSize:    100,
		stopCh:       make(chan struct{}),
	}
}

// WithPollInterval sets the poll interval for the sweeper.
func (w *HoldSweeper) WithPollInterval(interval time.Duration) *HoldSweeper {
	if interval > 0 {
		w.pollInterval = interval
	}
	return w
}

// WithBatchSize caps how many expired holds one sweep releases.
func (w *HoldSweeper) WithBatchSize(size int) *HoldSweeper {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks and sweeps at the configured interval.
func (w *HoldSweeper) Start(ctx context.Context) {
	zap.L().Info("hold sweeper starting",
		zap.Duration("interval", w.pollInterval),
		zap.Int("batch_size", w.batchSize),
	)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("hold sweeper context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("hold sweeper stop signal received")
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				observability.IncrementWorkerRun("hold_sweeper", "failed")
				zap.L().Error("hold sweep failed", zap.Error(err))
				continue
			}
			observability.IncrementWorkerRun("hold_sweeper", "success")
		}
	}
}

// Stop stops the running sweeper loop.
func (w *HoldSweeper) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the sweeper in a goroutine and returns a stop function.
func (w *HoldSweeper) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// SweepOnce releases one batch of expired holds and returns how many it
// released.
func (w *HoldSweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := w.store.ListExpired(ctx, time.Now(), w.batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, hold := range expired {
		if _, err := w.store.Release(ctx, hold.UserID, hold.ExternalID); err != nil {
			// Lost a race with a concurrent collect or release; the hold
			// is terminal either way.
			zap.L().Debug("expired hold not released",
				zap.Int64("user_id", hold.UserID),
				zap.String("hold_id", hold.ExternalID),
				zap.Error(err),
			)
			continue
		}
		released++
		zap.L().Info("released expired hold",
			zap.Int64("user_id", hold.UserID),
			zap.String("hold_id", hold.ExternalID),
			zap.Int64("amount_micros", hold.AmountMicros),
		)
	}
	observability.AddSweptHolds(released)
	return released, nil
}
