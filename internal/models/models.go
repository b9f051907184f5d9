package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the resolved owner of a spendable balance. Partner requests carry
// numeric member ids; an administratively substituted user points at the
// account that actually holds the balance via RelatedUserID.
type User struct {
	ID            int64      `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	RelatedUserID *int64     `json:"related_user_id,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Substituted reports whether this record was reached through another
// member id.
func (u User) Substituted(requestedID int64) bool {
	return u.ID != requestedID
}

// Movement is an immutable ledger entry: one committed balance change.
// AmountMicros is signed - negative for debits, positive for credits.
type Movement struct {
	ID           uuid.UUID `json:"id"`
	UserID       int64     `json:"user_id"`
	AmountMicros int64     `json:"amount_micros"`
	Reason       string    `json:"reason"`
	HoldID       string    `json:"hold_id,omitempty"`
	TransID      string    `json:"trans_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Hold is a preauthorization record. The external id is partner-supplied and
// unique per user. Holds are soft: creating one never debits the ledger.
type Hold struct {
	ID           uuid.UUID  `json:"id"`
	UserID       int64      `json:"user_id"`
	ExternalID   string     `json:"external_id"`
	AmountMicros int64      `json:"amount_micros"`
	State        string     `json:"state"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expired reports whether an open hold's ttl has passed. Terminal holds are
// never expired; capture clears the expiry.
func (h Hold) Expired(now time.Time) bool {
	return h.ExpiresAt != nil && now.After(*h.ExpiresAt)
}

// Intention is the user's last recorded payment intent on the site, used to
// enrich collect requests when the partner omits performer/spend details.
type Intention struct {
	UserID        int64  `json:"user_id"`
	Type          string `json:"type"`
	ModelTitle    string `json:"model_title"`
	Link          string `json:"link"`
	AttributionID *int64 `json:"attribution_id,omitempty"`
}
