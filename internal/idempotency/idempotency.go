// Package idempotency deduplicates partner requests keyed by the external
// identifiers they carry. The same key observed twice by the same operation
// type yields the recorded result verbatim, with no second economic effect.
package idempotency

import "context"

// Guard is the deduplication contract. Keys are scoped per (operation type,
// user) so partner-chosen identifiers cannot collide across users.
type Guard interface {
	// ClaimOrFetch claims the key for the caller. isNew true means the
	// caller proceeds and must call Record (or Forget) exactly once before
	// returning to the partner. isNew false means prior holds the recorded
	// result and must be returned verbatim.
	ClaimOrFetch(ctx context.Context, op string, userID int64, key string) (isNew bool, prior []byte, err error)

	// Record stores the serialized result for a claimed key.
	Record(ctx context.Context, op string, userID int64, key string, result []byte) error

	// Forget abandons a claim whose operation produced no economic effect,
	// so a later retry is processed fresh.
	Forget(ctx context.Context, op string, userID int64, key string) error
}
