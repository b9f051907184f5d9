// Package ledger owns per-user spendable balances. All mutation goes through
// Withdraw and Credit, each of which appends exactly one immutable Movement
// and updates the balance atomically - a caller sees the full effect or none.
//
// Invariant: a user's balance equals the sum of their committed Movements.
// Reconcile checks exactly that.
package ledger

import (
	"context"

	"github.com/sinparty/esf-settlement/internal/models"
)

// maxCreditMicros bounds a single credit at $1,000,000. Credits above this
// indicate corruption upstream, not a legitimate refund.
const maxCreditMicros = 1_000_000_000_000

// Correlation ties a Movement back to the partner identifiers that caused it.
type Correlation struct {
	HoldID  string
	TransID string
}

// Imbalance is one account whose stored balance diverged from its Movement sum.
type Imbalance struct {
	UserID        int64
	BalanceMicros int64
	SumMicros     int64
}

// unrefundedWithdrawal picks the committed debit that is still in effect from
// the movements sharing one transaction id. Each compensating credit cancels
// one debit; only an uncancelled debit makes a retry a duplicate.
func unrefundedWithdrawal(movements []models.Movement) (models.Movement, bool) {
	var (
		last    models.Movement
		debits  int
		credits int
	)
	for _, m := range movements {
		if m.AmountMicros < 0 {
			debits++
			last = m
		} else {
			credits++
		}
	}
	if debits > credits {
		return last, true
	}
	return models.Movement{}, false
}

// Ledger is the balance store contract. Implementations must make Withdraw
// and Credit all-or-nothing against the underlying store.
type Ledger interface {
	// Balance returns the current spendable balance in micros. A user with
	// no movements has a zero balance, not an error.
	Balance(ctx context.Context, userID int64) (int64, error)

	// Withdraw appends a debit Movement and decrements the balance. Fails
	// with models.ErrInsufficientFunds when amount exceeds the balance;
	// withdrawals are rejected, never clamped.
	//
	// Withdraw is idempotent per correlation transaction id: when an
	// uncompensated debit with the same TransID already exists, a repeat
	// with the same amount returns that Movement without debiting again,
	// and a repeat with a different amount fails with
	// models.ErrDuplicateTransaction. A debit that was compensated by a
	// credit carrying the same TransID does not count as a duplicate.
	Withdraw(ctx context.Context, userID int64, amountMicros int64, reason string, corr Correlation) (models.Movement, error)

	// Credit appends a credit Movement and increments the balance. Always
	// succeeds below maxCreditMicros.
	Credit(ctx context.Context, userID int64, amountMicros int64, reason string, corr Correlation) (models.Movement, error)

	// HasMovements reports whether the user has any committed Movements.
	HasMovements(ctx context.Context, userID int64) (bool, error)

	// Movements returns the user's movement log, newest first.
	Movements(ctx context.Context, userID int64, limit, offset int) ([]models.Movement, error)

	// Reconcile scans for accounts whose balance diverged from their
	// Movement sum.
	Reconcile(ctx context.Context) ([]Imbalance, error)
}
