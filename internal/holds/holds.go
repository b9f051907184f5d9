// Package holds records outstanding preauthorization holds. A hold is a soft
// reservation: creating one never debits the ledger, and Verify/Preauthorize
// re-check the live balance rather than balance-minus-open-holds. Two large
// concurrent holds can both be approved against the same balance even though
// only one can ultimately be collected; this mirrors the partner protocol's
// documented semantics and is a known over-commitment risk.
package holds

import (
	"context"
	"time"

	"github.com/sinparty/esf-settlement/internal/models"
)

// Store is the hold store contract. External hold ids are partner-supplied
// and unique per user. States: open -> captured | released (terminal). The
// store exposes expiry but never auto-transitions state on it.
type Store interface {
	// Create opens a hold. Returns the existing hold unchanged when the
	// same (user, externalID) already exists with the same amount, and
	// models.ErrDuplicateHold when the amount differs.
	Create(ctx context.Context, userID int64, externalID string, amountMicros int64, ttl time.Duration) (models.Hold, error)

	// Get returns the hold or models.ErrHoldNotFound.
	Get(ctx context.Context, userID int64, externalID string) (models.Hold, error)

	// Release transitions open -> released. models.ErrAlreadyTerminal when
	// the hold is not open.
	Release(ctx context.Context, userID int64, externalID string) (models.Hold, error)

	// Capture transitions open -> captured and clears the expiry.
	// models.ErrAlreadyTerminal when the hold is not open.
	Capture(ctx context.Context, userID int64, externalID string) (models.Hold, error)

	// ListExpired returns open holds whose expiry has passed, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Hold, error)

	// ListByUser returns a user's holds, newest first.
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.Hold, error)
}
