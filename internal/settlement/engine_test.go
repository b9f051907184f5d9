package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sinparty/esf-settlement/internal/domain"
	"github.com/sinparty/esf-settlement/internal/holds"
	"github.com/sinparty/esf-settlement/internal/idempotency"
	"github.com/sinparty/esf-settlement/internal/identity"
	"github.com/sinparty/esf-settlement/internal/intent"
	"github.com/sinparty/esf-settlement/internal/ledger"
	"github.com/sinparty/esf-settlement/internal/models"
	"github.com/sinparty/esf-settlement/internal/notify"
	"github.com/sinparty/esf-settlement/internal/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const dollar = int64(1_000_000)

type recordingSink struct {
	mu       sync.Mutex
	balances []int64
	firstTx  int
	gifts    []models.Movement
}

func (s *recordingSink) OnBalanceChanged(ctx context.Context, userID int64, newBalanceMicros int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = append(s.balances, newBalanceMicros)
}

func (s *recordingSink) OnFirstPartnerTransaction(ctx context.Context, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstTx++
}

func (s *recordingSink) OnGiftPayment(ctx context.Context, userID int64, movement models.Movement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gifts = append(s.gifts, movement)
}

type fixture struct {
	users   *identity.MemoryResolver
	ledger  *ledger.MemoryLedger
	holds   *holds.MemoryStore
	guard   *idempotency.MemoryGuard
	intents *intent.MemorySource
	sink    *recordingSink
	events  *notify.Dispatcher
	engine  *settlement.Engine
}

func newFixture(t *testing.T, opts ...settlement.Option) *fixture {
	t.Helper()
	f := &fixture{
		users:   identity.NewMemoryResolver(),
		ledger:  ledger.NewMemoryLedger(),
		holds:   holds.NewMemoryStore(),
		guard:   idempotency.NewMemoryGuard(),
		intents: intent.NewMemorySource(),
		sink:    &recordingSink{},
	}
	f.events = notify.NewDispatcher(f.sink, zap.NewNop())
	f.engine = settlement.New(
		f.users, f.ledger, f.holds, f.guard, f.intents, f.events,
		zap.NewNop(), opts...,
	)
	return f
}

func (f *fixture) addUser(id int64, balanceMicros int64) {
	f.users.Add(models.User{ID: id, Username: "member"})
	if balanceMicros > 0 {
		f.ledger.Seed(id, balanceMicros)
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 50*dollar)

	res, err := f.engine.Verify(ctx, settlement.VerifyRequest{MemberID: 7, AmountMicros: 20 * dollar})
	require.NoError(t, err)
	assert.True(t, res.Eligible)
	assert.Equal(t, 50*dollar, res.BalanceMicros)

	res, err = f.engine.Verify(ctx, settlement.VerifyRequest{MemberID: 7, AmountMicros: 51 * dollar})
	require.NoError(t, err)
	assert.False(t, res.Eligible)

	// Verify never writes.
	moves, err := f.ledger.Movements(ctx, 7, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, moves)
}

func TestVerifyUnknownAndDeletedUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	deletedAt := time.Now()
	f.users.Add(models.User{ID: 9, DeletedAt: &deletedAt})

	_, err := f.engine.Verify(ctx, settlement.VerifyRequest{MemberID: 404, AmountMicros: dollar})
	assert.ErrorIs(t, err, models.ErrUserNotFound)

	_, err = f.engine.Verify(ctx, settlement.VerifyRequest{MemberID: 9, AmountMicros: dollar})
	assert.ErrorIs(t, err, models.ErrUserDeleted)
}

func TestVerifyFollowsSubstitution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	holder := int64(2)
	f.users.Add(models.User{ID: 1, RelatedUserID: &holder})
	f.addUser(2, 30*dollar)

	res, err := f.engine.Verify(ctx, settlement.VerifyRequest{MemberID: 1, AmountMicros: 10 * dollar})
	require.NoError(t, err)
	assert.True(t, res.Eligible)
	assert.Equal(t, 30*dollar, res.BalanceMicros)
}

func TestPreauthorizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	req := settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1"}
	first, err := f.engine.Preauthorize(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, first.TransactionID)

	second, err := f.engine.Preauthorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Soft hold: balance is untouched and no movement is appended.
	balance, err := f.ledger.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 100*dollar, balance)

	userHolds, err := f.holds.ListByUser(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, userHolds, 1)
	assert.Equal(t, domain.HoldStateOpen, userHolds[0].State)
}

func TestPreauthorizeInsufficientFundsLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 10*dollar)

	req := settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1"}
	res, err := f.engine.Preauthorize(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Eligible)
	assert.Empty(t, res.TransactionID)
	assert.Equal(t, 10*dollar, res.BalanceBeforeMicros)

	// No hold was opened.
	_, err = f.holds.Get(ctx, 7, "hold-1")
	assert.ErrorIs(t, err, models.ErrHoldNotFound)

	// After a top-up the same request must be processed fresh.
	f.ledger.Seed(7, 50*dollar)
	res, err = f.engine.Preauthorize(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Eligible)
	assert.NotEmpty(t, res.TransactionID)
}

func TestPreauthorizeRejectsAmountMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.Preauthorize(ctx, settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1"})
	require.NoError(t, err)

	// Replaying the id with a different amount must not look idempotent.
	_, err = f.engine.Preauthorize(ctx, settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: 40 * dollar, HoldID: "hold-1"})
	assert.ErrorIs(t, err, models.ErrDuplicateHold)
}

func TestPreauthorizeCarriesPaymentDetails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)
	f.intents.Set(models.Intention{UserID: 7, Type: "Tip", ModelTitle: "Starlet"})

	res, err := f.engine.Preauthorize(ctx, settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1"})
	require.NoError(t, err)
	assert.Equal(t, "tip", res.SpendType)
	assert.Equal(t, "Starlet", res.ModelTitle)

	// Request fields win over the recorded intention.
	res, err = f.engine.Preauthorize(ctx, settlement.PreauthorizeRequest{
		MemberID:          7,
		AmountMicros:      10 * dollar,
		HoldID:            "hold-2",
		SpendType:         "Give_Gold",
		PerformerNickname: "Vixen",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SpendTypeGiveGold, res.SpendType)
	assert.Equal(t, "Vixen", res.ModelTitle)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.Preauthorize(ctx, settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1"})
	require.NoError(t, err)

	req := settlement.ReleaseRequest{MemberID: 7, HoldID: "hold-1"}
	first, err := f.engine.ReleasePreauthorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 100*dollar, first.BalanceAfterMicros)

	second, err := f.engine.ReleasePreauthorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	hold, err := f.holds.Get(ctx, 7, "hold-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStateReleased, hold.State)
}

func TestReleaseUnknownHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.ReleasePreauthorize(ctx, settlement.ReleaseRequest{MemberID: 7, HoldID: "nope"})
	assert.ErrorIs(t, err, models.ErrHoldNotFound)
}

func TestReleaseAfterCaptureConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.Preauthorize(ctx, settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1"})
	require.NoError(t, err)
	_, err = f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1", TransID: "tx-1"})
	require.NoError(t, err)

	_, err = f.engine.ReleasePreauthorize(ctx, settlement.ReleaseRequest{MemberID: 7, HoldID: "hold-1"})
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
}

func TestCollectCapturesHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.Preauthorize(ctx, settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1"})
	require.NoError(t, err)

	req := settlement.CollectRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1", TransID: "tx-1"}
	first, err := f.engine.Collect(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 100*dollar, first.BalanceBeforeMicros)
	assert.Equal(t, 70*dollar, first.BalanceAfterMicros)

	hold, err := f.holds.Get(ctx, 7, "hold-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStateCaptured, hold.State)

	// Replay yields the recorded result and no second debit.
	second, err := f.engine.Collect(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first, second)

	moves, err := f.ledger.Movements(ctx, 7, 10, 0)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, -30*dollar, moves[0].AmountMicros)
	assert.Equal(t, "hold-1", moves[0].HoldID)
	assert.Equal(t, "tx-1", moves[0].TransID)
}

func TestCollectDirect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	res, err := f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 25 * dollar, TransID: "tx-direct"})
	require.NoError(t, err)
	assert.Equal(t, 75*dollar, res.BalanceAfterMicros)

	moves, err := f.ledger.Movements(ctx, 7, 10, 0)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Empty(t, moves[0].HoldID)
	assert.Equal(t, "tx-direct", moves[0].TransID)
}

func TestCollectInsufficientFundsIsRejectedNotClamped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 10*dollar)

	_, err := f.engine.Collect(ctx, settlement.CollectRequest{
		MemberID:     7,
		AmountMicros: 30 * dollar,
		TransID:      "tx-1",
		SpendType:    domain.SpendTypeGiveGold,
	})
	require.ErrorIs(t, err, models.ErrInsufficientFunds)
	var ife *models.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, 10*dollar, ife.BalanceMicros)

	balance, err := f.ledger.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 10*dollar, balance)

	// The rejected collect left no idempotency record.
	f.ledger.Seed(7, 30*dollar)
	res, err := f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 30 * dollar, TransID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, 10*dollar, res.BalanceAfterMicros)
}

func TestCollectExpiredHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.Preauthorize(ctx, settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1"})
	require.NoError(t, err)
	f.holds.SetExpiry(7, "hold-1", time.Now().Add(-time.Minute))

	_, err = f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1", TransID: "tx-1"})
	require.ErrorIs(t, err, models.ErrHoldExpired)

	balance, err := f.ledger.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 100*dollar, balance)
}

func TestCollectUnknownHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "nope", TransID: "tx-1"})
	assert.ErrorIs(t, err, models.ErrHoldNotFound)
}

// The full walkthrough: $100 balance, $30 preauthorized. The hold is soft,
// so verification of another $100 still passes; the capture of the hold
// lands the balance on $70.
func TestPreauthorizeDoesNotReserveFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.Preauthorize(ctx, settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1"})
	require.NoError(t, err)

	ver, err := f.engine.Verify(ctx, settlement.VerifyRequest{MemberID: 7, AmountMicros: 100 * dollar})
	require.NoError(t, err)
	assert.True(t, ver.Eligible)
	assert.Equal(t, 100*dollar, ver.BalanceMicros)

	res, err := f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 30 * dollar, HoldID: "hold-1", TransID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, 70*dollar, res.BalanceAfterMicros)
}

func TestConcurrentDuplicateCollects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []settlement.CollectResult
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 10 * dollar, TransID: "tx-dup"})
			if err != nil {
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, results, workers)
	for _, res := range results {
		assert.Equal(t, results[0].TransactionID, res.TransactionID)
	}

	balance, err := f.ledger.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 90*dollar, balance)

	moves, err := f.ledger.Movements(ctx, 7, 100, 0)
	require.NoError(t, err)
	assert.Len(t, moves, 1)
}

// lossyGuard drops a number of Record calls to simulate a guard write that
// is lost after the debit committed.
type lossyGuard struct {
	idempotency.Guard
	dropRecords int
}

func (g *lossyGuard) Record(ctx context.Context, op string, userID int64, key string, result []byte) error {
	if g.dropRecords > 0 {
		g.dropRecords--
		return models.ErrStoreUnavailable
	}
	return g.Guard.Record(ctx, op, userID, key, result)
}

func TestCollectRedeliveryAfterLostRecordDoesNotDoubleDebit(t *testing.T) {
	ctx := context.Background()
	users := identity.NewMemoryResolver()
	led := ledger.NewMemoryLedger()
	guard := &lossyGuard{Guard: idempotency.NewMemoryGuard(), dropRecords: 1}
	engine := settlement.New(
		users, led, holds.NewMemoryStore(), guard, intent.NewMemorySource(),
		notify.NewDispatcher(&recordingSink{}, zap.NewNop()), zap.NewNop(),
	)
	users.Add(models.User{ID: 7, Username: "member"})
	led.Seed(7, 100*dollar)

	req := settlement.CollectRequest{MemberID: 7, AmountMicros: 10 * dollar, TransID: "tx-dup"}
	first, err := engine.Collect(ctx, req)
	require.NoError(t, err)

	// The guard lost the first result, so the redelivery is processed as a
	// fresh request. The ledger still must not debit twice.
	second, err := engine.Collect(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.BalanceBeforeMicros, second.BalanceBeforeMicros)
	assert.Equal(t, first.BalanceAfterMicros, second.BalanceAfterMicros)

	balance, err := led.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 90*dollar, balance)

	moves, err := led.Movements(ctx, 7, 10, 0)
	require.NoError(t, err)
	assert.Len(t, moves, 1)
}

func TestCollectRejectsReusedTransIDWithDifferentAmount(t *testing.T) {
	ctx := context.Background()
	users := identity.NewMemoryResolver()
	led := ledger.NewMemoryLedger()
	guard := &lossyGuard{Guard: idempotency.NewMemoryGuard(), dropRecords: 1}
	engine := settlement.New(
		users, led, holds.NewMemoryStore(), guard, intent.NewMemorySource(),
		notify.NewDispatcher(&recordingSink{}, zap.NewNop()), zap.NewNop(),
	)
	users.Add(models.User{ID: 7, Username: "member"})
	led.Seed(7, 100*dollar)

	_, err := engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 10 * dollar, TransID: "tx-1"})
	require.NoError(t, err)

	_, err = engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 20 * dollar, TransID: "tx-1"})
	assert.ErrorIs(t, err, models.ErrDuplicateTransaction)

	balance, err := led.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 90*dollar, balance)
}

func TestCollectEmitsEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.Collect(ctx, settlement.CollectRequest{
		MemberID:     7,
		AmountMicros: 10 * dollar,
		TransID:      "tx-1",
		SpendType:    "Give_Gold",
	})
	require.NoError(t, err)
	f.events.Wait()

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Equal(t, []int64{90 * dollar}, f.sink.balances)
	assert.Equal(t, 1, f.sink.firstTx)
	require.Len(t, f.sink.gifts, 1)
	assert.Equal(t, -10*dollar, f.sink.gifts[0].AmountMicros)
}

func TestCollectFirstTransactionOnlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 10 * dollar, TransID: "tx-1"})
	require.NoError(t, err)
	_, err = f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 10 * dollar, TransID: "tx-2"})
	require.NoError(t, err)
	f.events.Wait()

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Equal(t, 1, f.sink.firstTx)
}

func TestCollectEnrichesFromLastIntention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)
	f.intents.Set(models.Intention{UserID: 7, Type: "Tip", ModelTitle: "Starlet"})

	res, err := f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 10 * dollar, TransID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, "tip", res.SpendType)
	assert.Equal(t, "Starlet", res.ModelTitle)
}

func TestCollectEnrichmentDefaults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	res, err := f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: 10 * dollar, TransID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.SpendTypeUnknown, res.SpendType)
	assert.Equal(t, "No data", res.ModelTitle)
}

func TestValidationErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(7, 100*dollar)

	_, err := f.engine.Preauthorize(ctx, settlement.PreauthorizeRequest{MemberID: 7, AmountMicros: dollar})
	assert.True(t, models.IsValidation(err))

	_, err = f.engine.ReleasePreauthorize(ctx, settlement.ReleaseRequest{MemberID: 7})
	assert.True(t, models.IsValidation(err))

	_, err = f.engine.Collect(ctx, settlement.CollectRequest{MemberID: 7, AmountMicros: dollar})
	assert.True(t, models.IsValidation(err))
}
