package identity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sinparty/esf-settlement/internal/models"
)

type PostgresResolver struct {
	db *pgxpool.Pool
}

func NewPostgresResolver(db *pgxpool.Pool) *PostgresResolver {
	return &PostgresResolver{db: db}
}

func (r *PostgresResolver) Resolve(ctx context.Context, memberID int64) (models.User, error) {
	user, err := r.get(ctx, memberID)
	if err != nil {
		return models.User{}, err
	}

	// Follow one level of administrative substitution.
	if user.RelatedUserID != nil {
		user, err = r.get(ctx, *user.RelatedUserID)
		if err != nil {
			return models.User{}, err
		}
	}

	if user.DeletedAt != nil {
		return models.User{}, models.ErrUserDeleted
	}
	return user, nil
}

func (r *PostgresResolver) get(ctx context.Context, id int64) (models.User, error) {
	var u models.User
	err := r.db.QueryRow(ctx, `
		SELECT id, username, email, related_user_id, deleted_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.Email, &u.RelatedUserID, &u.DeletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.User{}, models.ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("get user %d: %s: %w", id, err, models.ErrStoreUnavailable)
	}
	return u, nil
}
