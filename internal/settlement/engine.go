// Package settlement implements the partner spend protocol: verify,
// preauthorize, release and collect. The engine composes identity
// resolution, the idempotency guard, the hold store and the ledger under a
// per-user lock, so each operation's claim-check-write sequence is atomic
// with respect to every other operation on the same user.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sinparty/esf-settlement/internal/domain"
	"github.com/sinparty/esf-settlement/internal/holds"
	"github.com/sinparty/esf-settlement/internal/idempotency"
	"github.com/sinparty/esf-settlement/internal/identity"
	"github.com/sinparty/esf-settlement/internal/intent"
	"github.com/sinparty/esf-settlement/internal/ledger"
	"github.com/sinparty/esf-settlement/internal/models"
	"github.com/sinparty/esf-settlement/internal/notify"
	"github.com/sinparty/esf-settlement/internal/observability"
	"go.uber.org/zap"
)

const defaultHoldTTL = 30 * time.Minute

// Engine executes settlement operations.
type Engine struct {
	users   identity.Resolver
	ledger  ledger.Ledger
	holds   holds.Store
	guard   idempotency.Guard
	intents intent.Source
	events  *notify.Dispatcher
	retry   RetryPolicy
	locks   *userLocks
	logger  *zap.Logger
	holdTTL time.Duration
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy overrides the transient-failure retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithHoldTTL overrides how long a new hold stays collectible.
func WithHoldTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.holdTTL = ttl }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(
	users identity.Resolver,
	led ledger.Ledger,
	holdStore holds.Store,
	guard idempotency.Guard,
	intents intent.Source,
	events *notify.Dispatcher,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		users:   users,
		ledger:  led,
		holds:   holdStore,
		guard:   guard,
		intents: intents,
		events:  events,
		retry:   DefaultRetryPolicy,
		locks:   newUserLocks(),
		logger:  logger,
		holdTTL: defaultHoldTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// VerifyRequest asks whether a member could afford a prospective charge.
type VerifyRequest struct {
	MemberID     int64
	AmountMicros int64
}

// PreauthorizeRequest places a hold against a member's balance. TTL is the
// partner-requested hold lifetime; zero means the engine default.
type PreauthorizeRequest struct {
	MemberID          int64
	AmountMicros      int64
	HoldID            string
	TTL               time.Duration
	PerformerNickname string
	SpendType         string
}

// ReleaseRequest cancels an open hold.
type ReleaseRequest struct {
	MemberID int64
	HoldID   string
}

// CollectRequest captures funds, against a hold when HoldID is set or
// directly from the balance otherwise.
type CollectRequest struct {
	MemberID          int64
	AmountMicros      int64
	HoldID            string
	TransID           string
	PerformerNickname string
	SpendType         string
}

// Verify reports eligibility without writing anything. It is not
// idempotency-guarded: re-running a read is harmless.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (res VerifyResult, err error) {
	defer func() { observability.SettlementOp("verify", outcome(err)) }()

	user, err := e.resolve(ctx, req.MemberID)
	if err != nil {
		return VerifyResult{}, err
	}
	balance, err := e.balance(ctx, user.ID)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{
		Eligible:      req.AmountMicros <= balance,
		BalanceMicros: balance,
	}, nil
}

// Preauthorize opens a hold. The hold is soft: the balance is checked but
// not debited, and the debit happens at Collect. An ineligible request
// leaves no idempotency record, so a retry after a top-up is processed
// fresh.
func (e *Engine) Preauthorize(ctx context.Context, req PreauthorizeRequest) (res PreauthorizeResult, err error) {
	defer func() {
		out := outcome(err)
		if err == nil && !res.Eligible {
			out = "ineligible"
		}
		observability.SettlementOp("preauthorize", out)
	}()

	if req.HoldID == "" {
		return PreauthorizeResult{}, models.Invalid("merchant_hold_id", "required")
	}
	user, err := e.resolve(ctx, req.MemberID)
	if err != nil {
		return PreauthorizeResult{}, err
	}

	unlock := e.locks.Lock(user.ID)
	defer unlock()

	isNew, prior, err := e.claim(ctx, domain.OpPreauthorize, user.ID, req.HoldID)
	if err != nil {
		return PreauthorizeResult{}, err
	}
	if !isNew {
		observability.IdempotentReplay(domain.OpPreauthorize)
		if err := json.Unmarshal(prior, &res); err != nil {
			return PreauthorizeResult{}, fmt.Errorf("decode recorded preauthorize result: %w", err)
		}
		return res, nil
	}

	balance, err := e.balance(ctx, user.ID)
	if err != nil {
		e.forget(ctx, domain.OpPreauthorize, user.ID, req.HoldID)
		return PreauthorizeResult{}, err
	}
	if req.AmountMicros > balance {
		e.forget(ctx, domain.OpPreauthorize, user.ID, req.HoldID)
		return PreauthorizeResult{
			Eligible:            false,
			BalanceBeforeMicros: balance,
			BalanceAfterMicros:  balance,
		}, nil
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.holdTTL
	}
	hold, err := e.holds.Create(ctx, user.ID, req.HoldID, req.AmountMicros, ttl)
	if err != nil {
		e.forget(ctx, domain.OpPreauthorize, user.ID, req.HoldID)
		return PreauthorizeResult{}, err
	}

	details := e.paymentDetails(ctx, user.ID, req.SpendType, req.PerformerNickname)
	res = PreauthorizeResult{
		Eligible:            true,
		TransactionID:       hold.ID.String(),
		BalanceBeforeMicros: balance,
		BalanceAfterMicros:  balance,
		SpendType:           details.spendType,
		ModelTitle:          details.modelTitle,
	}
	e.record(ctx, domain.OpPreauthorize, user.ID, req.HoldID, res)
	return res, nil
}

// ReleasePreauthorize cancels a hold. Releasing an already-released hold is
// an idempotent success; releasing a captured one is a conflict.
func (e *Engine) ReleasePreauthorize(ctx context.Context, req ReleaseRequest) (res ReleaseResult, err error) {
	defer func() { observability.SettlementOp("release", outcome(err)) }()

	if req.HoldID == "" {
		return ReleaseResult{}, models.Invalid("merchant_hold_id", "required")
	}
	user, err := e.resolve(ctx, req.MemberID)
	if err != nil {
		return ReleaseResult{}, err
	}

	unlock := e.locks.Lock(user.ID)
	defer unlock()

	isNew, prior, err := e.claim(ctx, domain.OpRelease, user.ID, req.HoldID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if !isNew {
		observability.IdempotentReplay(domain.OpRelease)
		if err := json.Unmarshal(prior, &res); err != nil {
			return ReleaseResult{}, fmt.Errorf("decode recorded release result: %w", err)
		}
		return res, nil
	}

	balance, err := e.balance(ctx, user.ID)
	if err != nil {
		e.forget(ctx, domain.OpRelease, user.ID, req.HoldID)
		return ReleaseResult{}, err
	}

	_, err = e.holds.Release(ctx, user.ID, req.HoldID)
	if errors.Is(err, models.ErrAlreadyTerminal) {
		hold, gerr := e.holds.Get(ctx, user.ID, req.HoldID)
		if gerr != nil {
			e.forget(ctx, domain.OpRelease, user.ID, req.HoldID)
			return ReleaseResult{}, gerr
		}
		if hold.State == domain.HoldStateReleased {
			err = nil
		}
	}
	if err != nil {
		e.forget(ctx, domain.OpRelease, user.ID, req.HoldID)
		return ReleaseResult{}, err
	}

	// Holds never debit, so a release moves no money.
	res = ReleaseResult{BalanceBeforeMicros: balance, BalanceAfterMicros: balance}
	e.record(ctx, domain.OpRelease, user.ID, req.HoldID, res)
	return res, nil
}

// Collect captures funds and is the only operation that debits the ledger.
// With a hold id it captures that hold; without one it debits the balance
// directly. Funding is all-or-nothing for every spend type.
func (e *Engine) Collect(ctx context.Context, req CollectRequest) (res CollectResult, err error) {
	defer func() { observability.SettlementOp("collect", outcome(err)) }()

	if req.TransID == "" {
		return CollectResult{}, models.Invalid("merchant_trans_id", "required")
	}
	user, err := e.resolve(ctx, req.MemberID)
	if err != nil {
		return CollectResult{}, err
	}

	unlock := e.locks.Lock(user.ID)
	defer unlock()

	// The hold id identifies the capture when present; a direct collect is
	// identified by its transaction id.
	key := req.TransID
	if req.HoldID != "" {
		key = req.HoldID
	}
	isNew, prior, err := e.claim(ctx, domain.OpCollect, user.ID, key)
	if err != nil {
		return CollectResult{}, err
	}
	if !isNew {
		observability.IdempotentReplay(domain.OpCollect)
		if err := json.Unmarshal(prior, &res); err != nil {
			return CollectResult{}, fmt.Errorf("decode recorded collect result: %w", err)
		}
		return res, nil
	}

	hadMovements, err := e.hasMovements(ctx, user.ID)
	if err != nil {
		e.forget(ctx, domain.OpCollect, user.ID, key)
		return CollectResult{}, err
	}
	details := e.paymentDetails(ctx, user.ID, req.SpendType, req.PerformerNickname)
	balanceBefore, err := e.balance(ctx, user.ID)
	if err != nil {
		e.forget(ctx, domain.OpCollect, user.ID, key)
		return CollectResult{}, err
	}

	var movement models.Movement
	if req.HoldID != "" {
		movement, err = e.captureHold(ctx, user.ID, req)
	} else {
		corr := ledger.Correlation{TransID: req.TransID}
		movement, err = e.ledger.Withdraw(ctx, user.ID, req.AmountMicros, domain.ReasonWithdrawal, corr)
	}
	if err != nil {
		e.forget(ctx, domain.OpCollect, user.ID, key)
		if errors.Is(err, models.ErrInsufficientFunds) {
			err = &models.InsufficientFundsError{BalanceMicros: balanceBefore}
		}
		return CollectResult{}, err
	}

	// Re-read after the debit. When the ledger deduplicated a redelivery
	// against an earlier committed debit, the pre-read balance already
	// included that debit and would be reported one amount too low.
	balanceAfter := balanceBefore - req.AmountMicros
	if current, berr := e.balance(ctx, user.ID); berr == nil {
		balanceAfter = current
	} else {
		e.logger.Warn("post-debit balance read failed", zap.Int64("user_id", user.ID), zap.Error(berr))
	}
	balanceBefore = balanceAfter + req.AmountMicros
	res = CollectResult{
		TransactionID:       movement.ID.String(),
		BalanceBeforeMicros: balanceBefore,
		BalanceAfterMicros:  balanceAfter,
		SpendType:           details.spendType,
		ModelTitle:          details.modelTitle,
	}
	e.record(ctx, domain.OpCollect, user.ID, key, res)

	e.events.BalanceChanged(user.ID, balanceAfter)
	if !hadMovements {
		e.events.FirstPartnerTransaction(user.ID)
	}
	if details.spendType == domain.SpendTypeGiveGold {
		e.events.GiftPayment(user.ID, movement)
	}
	return res, nil
}

// captureHold debits then transitions the hold. The debit commits first; if
// the capture transition fails afterwards, the debit is compensated with a
// refund credit so the ledger never loses money to a half-applied capture.
func (e *Engine) captureHold(ctx context.Context, userID int64, req CollectRequest) (models.Movement, error) {
	hold, err := e.holds.Get(ctx, userID, req.HoldID)
	if err != nil {
		return models.Movement{}, err
	}
	if hold.State != domain.HoldStateOpen {
		return models.Movement{}, models.ErrAlreadyTerminal
	}
	if hold.Expired(e.now()) {
		return models.Movement{}, models.ErrHoldExpired
	}

	corr := ledger.Correlation{HoldID: req.HoldID, TransID: req.TransID}
	movement, err := e.ledger.Withdraw(ctx, userID, req.AmountMicros, domain.ReasonWithdrawal, corr)
	if err != nil {
		return models.Movement{}, err
	}

	if _, err := e.holds.Capture(ctx, userID, req.HoldID); err != nil {
		if _, rerr := e.ledger.Credit(ctx, userID, req.AmountMicros, domain.ReasonRefund, corr); rerr != nil {
			e.logger.Error("compensating credit failed after capture error",
				zap.Int64("user_id", userID),
				zap.String("hold_id", req.HoldID),
				zap.Int64("amount_micros", req.AmountMicros),
				zap.Error(rerr),
			)
		}
		return models.Movement{}, err
	}
	return movement, nil
}

type paymentDetails struct {
	spendType  string
	modelTitle string
}

// paymentDetails fills in spend type and performer title from the request,
// falling back to the user's last recorded intention. Enrichment is best
// effort and never fails an operation.
func (e *Engine) paymentDetails(ctx context.Context, userID int64, spendType, nickname string) paymentDetails {
	d := paymentDetails{
		spendType:  strings.ToLower(strings.TrimSpace(spendType)),
		modelTitle: strings.TrimSpace(nickname),
	}
	if d.spendType != "" && d.modelTitle != "" {
		return d
	}

	in, err := e.intents.LastIntention(ctx, userID)
	if err != nil {
		e.logger.Warn("intention lookup failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	if d.spendType == "" {
		d.spendType = strings.ToLower(strings.TrimSpace(in.Type))
	}
	if d.spendType == "" {
		d.spendType = domain.SpendTypeUnknown
	}
	if d.modelTitle == "" {
		d.modelTitle = in.ModelTitle
	}
	if d.modelTitle == "" {
		d.modelTitle = "No data"
	}
	return d
}

func (e *Engine) resolve(ctx context.Context, memberID int64) (models.User, error) {
	var user models.User
	err := e.retry.Do(ctx, func() error {
		var rerr error
		user, rerr = e.users.Resolve(ctx, memberID)
		return rerr
	})
	return user, err
}

func (e *Engine) balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := e.retry.Do(ctx, func() error {
		var rerr error
		balance, rerr = e.ledger.Balance(ctx, userID)
		return rerr
	})
	return balance, err
}

func (e *Engine) hasMovements(ctx context.Context, userID int64) (bool, error) {
	var has bool
	err := e.retry.Do(ctx, func() error {
		var rerr error
		has, rerr = e.ledger.HasMovements(ctx, userID)
		return rerr
	})
	return has, err
}

func (e *Engine) claim(ctx context.Context, op string, userID int64, key string) (bool, []byte, error) {
	var (
		isNew bool
		prior []byte
	)
	err := e.retry.Do(ctx, func() error {
		var rerr error
		isNew, prior, rerr = e.guard.ClaimOrFetch(ctx, op, userID, key)
		return rerr
	})
	return isNew, prior, err
}

// record stores the operation result under its idempotency key. A failure
// here is logged, not returned: the economic effect is already committed and
// the underlying stores deduplicate a partner retry on their own keys.
func (e *Engine) record(ctx context.Context, op string, userID int64, key string, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		e.logger.Error("encode idempotency result", zap.String("op", op), zap.Error(err))
		return
	}
	if err := e.guard.Record(ctx, op, userID, key, payload); err != nil {
		e.logger.Warn("record idempotency result",
			zap.String("op", op),
			zap.Int64("user_id", userID),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// forget abandons a claim after an operation with no economic effect, so
// the partner's retry is processed fresh.
func (e *Engine) forget(ctx context.Context, op string, userID int64, key string) {
	if err := e.guard.Forget(ctx, op, userID, key); err != nil {
		e.logger.Warn("forget idempotency claim",
			zap.String("op", op),
			zap.Int64("user_id", userID),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case models.IsValidation(err):
		return "invalid"
	case errors.Is(err, models.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, models.ErrUserNotFound), errors.Is(err, models.ErrUserDeleted):
		return "unknown_user"
	case errors.Is(err, models.ErrHoldNotFound),
		errors.Is(err, models.ErrDuplicateHold),
		errors.Is(err, models.ErrAlreadyTerminal),
		errors.Is(err, models.ErrHoldExpired):
		return "hold_conflict"
	case errors.Is(err, models.ErrDuplicateTransaction):
		return "duplicate_transaction"
	case errors.Is(err, models.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
