package holds

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sinparty/esf-settlement/internal/domain"
	"github.com/sinparty/esf-settlement/internal/models"
)

// PostgresStore keeps holds in Postgres. State transitions are guarded by a
// WHERE state = 'open' clause so a lost race surfaces as ErrAlreadyTerminal
// rather than a silent double transition.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, user_id, external_id, amount_micros, state, expires_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, userID int64, externalID string, amountMicros int64, ttl time.Duration) (models.Hold, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return models.Hold{}, storeErr("begin create hold", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanHold(tx.QueryRow(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE user_id = $1 AND external_id = $2 FOR UPDATE`, userID, externalID))
	if err == nil {
		if existing.AmountMicros != amountMicros {
			return models.Hold{}, models.ErrDuplicateHold
		}
		return existing, nil
	}
	if err != pgx.ErrNoRows {
		return models.Hold{}, storeErr("check existing hold", err)
	}

	hold := models.Hold{
		ID:           uuid.New(),
		UserID:       userID,
		ExternalID:   externalID,
		AmountMicros: amountMicros,
		State:        domain.HoldStateOpen,
	}
	expiresAt := time.Now().UTC().Add(ttl)
	hold.ExpiresAt = &expiresAt

	err = tx.QueryRow(ctx, `
		INSERT INTO holds (id, user_id, external_id, amount_micros, state, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at`,
		hold.ID, hold.UserID, hold.ExternalID, hold.AmountMicros, hold.State, hold.ExpiresAt,
	).Scan(&hold.CreatedAt, &hold.UpdatedAt)
	if err != nil {
		return models.Hold{}, storeErr("insert hold", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Hold{}, storeErr("commit create hold", err)
	}
	return hold, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID int64, externalID string) (models.Hold, error) {
	hold, err := scanHold(s.db.QueryRow(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE user_id = $1 AND external_id = $2`, userID, externalID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.Hold{}, models.ErrHoldNotFound
		}
		return models.Hold{}, storeErr("get hold", err)
	}
	return hold, nil
}

func (s *PostgresStore) Release(ctx context.Context, userID int64, externalID string) (models.Hold, error) {
	return s.transition(ctx, userID, externalID, domain.HoldStateReleased, false)
}

func (s *PostgresStore) Capture(ctx context.Context, userID int64, externalID string) (models.Hold, error) {
	return s.transition(ctx, userID, externalID, domain.HoldStateCaptured, true)
}

func (s *PostgresStore) transition(ctx context.Context, userID int64, externalID, next string, clearExpiry bool) (models.Hold, error) {
	query := `
		UPDATE holds SET state = $3, updated_at = NOW()
		WHERE user_id = $1 AND external_id = $2 AND state = 'open'
		RETURNING ` + holdColumns
	if clearExpiry {
		query = `
		UPDATE holds SET state = $3, expires_at = NULL, updated_at = NOW()
		WHERE user_id = $1 AND external_id = $2 AND state = 'open'
		RETURNING ` + holdColumns
	}

	hold, err := scanHold(s.db.QueryRow(ctx, query, userID, externalID, next))
	if err == nil {
		return hold, nil
	}
	if err != pgx.ErrNoRows {
		return models.Hold{}, storeErr("transition hold", err)
	}

	// Either the hold does not exist or it is already terminal.
	if _, getErr := s.Get(ctx, userID, externalID); getErr != nil {
		return models.Hold{}, getErr
	}
	return models.Hold{}, models.ErrAlreadyTerminal
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+holdColumns+` FROM holds
		WHERE state = 'open' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, storeErr("list expired holds", err)
	}
	defer rows.Close()
	return collectHolds(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Hold, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+holdColumns+` FROM holds
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, storeErr("list holds", err)
	}
	defer rows.Close()
	return collectHolds(rows)
}

func scanHold(row pgx.Row) (models.Hold, error) {
	var h models.Hold
	err := row.Scan(&h.ID, &h.UserID, &h.ExternalID, &h.AmountMicros, &h.State, &h.ExpiresAt, &h.CreatedAt, &h.UpdatedAt)
	return h, err
}

func collectHolds(rows pgx.Rows) ([]models.Hold, error) {
	var out []models.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, storeErr("scan hold", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %s: %w", op, err, models.ErrStoreUnavailable)
}
