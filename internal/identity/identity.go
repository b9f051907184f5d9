// Package identity resolves partner member ids to the users that actually
// hold the balance, honoring administrative account substitution.
package identity

import (
	"context"

	"github.com/sinparty/esf-settlement/internal/models"
)

// Resolver maps a partner member id to a user. A user may be aliased to
// another account via related_user_id; the resolver follows that indirection
// and returns the substituted account.
type Resolver interface {
	// Resolve returns the effective user for memberID.
	// models.ErrUserNotFound when no user exists, models.ErrUserDeleted
	// when the effective user is soft-deleted.
	Resolve(ctx context.Context, memberID int64) (models.User, error)
}
