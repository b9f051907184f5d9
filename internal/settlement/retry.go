package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/sinparty/esf-settlement/internal/models"
)

// RetryPolicy bounds re-attempts on transient store failures. Only
// models.ErrStoreUnavailable is retried, and only on read paths - mutations
// are never retried locally; the partner's own retry is made safe by the
// idempotency guard.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy performs one immediate re-attempt.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 2}

// Do runs fn, re-attempting on ErrStoreUnavailable up to MaxAttempts total.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, models.ErrStoreUnavailable) {
			return err
		}
		if i+1 < attempts && p.Backoff > 0 {
			select {
			case <-time.After(p.Backoff):
			case <-ctx.Done():
				return err
			}
		}
	}
	return err
}
