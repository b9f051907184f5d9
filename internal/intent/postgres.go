package intent

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sinparty/esf-settlement/internal/models"
)

type PostgresSource struct {
	db *pgxpool.Pool
}

func NewPostgresSource(db *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) LastIntention(ctx context.Context, userID int64) (models.Intention, error) {
	var in models.Intention
	err := s.db.QueryRow(ctx, `
		SELECT user_id, type, model_title, link, attribution_id
		FROM user_intentions
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT 1`, userID,
	).Scan(&in.UserID, &in.Type, &in.ModelTitle, &in.Link, &in.AttributionID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.Intention{}, nil
		}
		return models.Intention{}, fmt.Errorf("get intention: %s: %w", err, models.ErrStoreUnavailable)
	}
	return in, nil
}
