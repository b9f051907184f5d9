package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sinparty/esf-settlement/internal/models"
)

// MemoryLedger is an in-memory Ledger for tests and local runs.
type MemoryLedger struct {
	mu        sync.Mutex
	balances  map[int64]int64
	seeds     map[int64]int64
	movements map[int64][]models.Movement
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:  make(map[int64]int64),
		seeds:     make(map[int64]int64),
		movements: make(map[int64][]models.Movement),
	}
}

// Seed sets a starting balance without recording a Movement. Test setup only.
func (l *MemoryLedger) Seed(userID int64, balanceMicros int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = balanceMicros
	l.seeds[userID] = balanceMicros
}

// Corrupt skews a stored balance without a Movement. Test hook for
// exercising Reconcile.
func (l *MemoryLedger) Corrupt(userID int64, deltaMicros int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += deltaMicros
}

func (l *MemoryLedger) Balance(ctx context.Context, userID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *MemoryLedger) Withdraw(ctx context.Context, userID int64, amountMicros int64, reason string, corr Correlation) (models.Movement, error) {
	return l.move(userID, -amountMicros, reason, corr)
}

func (l *MemoryLedger) Credit(ctx context.Context, userID int64, amountMicros int64, reason string, corr Correlation) (models.Movement, error) {
	if amountMicros > maxCreditMicros {
		return models.Movement{}, fmt.Errorf("credit of %d micros exceeds cap", amountMicros)
	}
	return l.move(userID, amountMicros, reason, corr)
}

func (l *MemoryLedger) move(userID int64, amountMicros int64, reason string, corr Correlation) (models.Movement, error) {
	if amountMicros == 0 {
		return models.Movement{}, fmt.Errorf("zero amount movement for user %d", userID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if amountMicros < 0 && corr.TransID != "" {
		var matched []models.Movement
		for _, m := range l.movements[userID] {
			if m.TransID == corr.TransID {
				matched = append(matched, m)
			}
		}
		if prior, ok := unrefundedWithdrawal(matched); ok {
			if prior.AmountMicros != amountMicros {
				return models.Movement{}, models.ErrDuplicateTransaction
			}
			return prior, nil
		}
	}

	if amountMicros < 0 && l.balances[userID]+amountMicros < 0 {
		return models.Movement{}, models.ErrInsufficientFunds
	}

	movement := models.Movement{
		ID:           uuid.New(),
		UserID:       userID,
		AmountMicros: amountMicros,
		Reason:       reason,
		HoldID:       corr.HoldID,
		TransID:      corr.TransID,
		CreatedAt:    time.Now().UTC(),
	}
	l.movements[userID] = append(l.movements[userID], movement)
	l.balances[userID] += amountMicros
	return movement, nil
}

func (l *MemoryLedger) HasMovements(ctx context.Context, userID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.movements[userID]) > 0, nil
}

func (l *MemoryLedger) Movements(ctx context.Context, userID int64, limit, offset int) ([]models.Movement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := l.movements[userID]
	// Newest first.
	out := make([]models.Movement, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) Reconcile(ctx context.Context) ([]Imbalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Imbalance
	for userID, balance := range l.balances {
		var sum int64
		for _, m := range l.movements[userID] {
			sum += m.AmountMicros
		}
		if balance != l.seeds[userID]+sum {
			out = append(out, Imbalance{UserID: userID, BalanceMicros: balance, SumMicros: l.seeds[userID] + sum})
		}
	}
	return out, nil
}
