// Package intent looks up the user's last recorded payment intention on the
// site. Collect requests that omit performer_nickname or spend_type are
// enriched from it.
package intent

import (
	"context"

	"github.com/sinparty/esf-settlement/internal/models"
)

// Source returns the last intention recorded for a user. A user with no
// recorded intention yields a zero Intention, not an error.
type Source interface {
	LastIntention(ctx context.Context, userID int64) (models.Intention, error)
}
