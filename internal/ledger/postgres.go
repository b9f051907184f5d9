package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sinparty/esf-settlement/internal/models"
)

// PostgresLedger stores balances and movements in Postgres. Each Withdraw or
// Credit runs in a single transaction with the balance row locked FOR UPDATE.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := l.db.QueryRow(ctx, `SELECT balance_micros FROM balances WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, storeErr("get balance", err)
	}
	return balance, nil
}

func (l *PostgresLedger) Withdraw(ctx context.Context, userID int64, amountMicros int64, reason string, corr Correlation) (models.Movement, error) {
	return l.move(ctx, userID, -amountMicros, reason, corr)
}

func (l *PostgresLedger) Credit(ctx context.Context, userID int64, amountMicros int64, reason string, corr Correlation) (models.Movement, error) {
	if amountMicros > maxCreditMicros {
		return models.Movement{}, fmt.Errorf("credit of %d micros exceeds cap", amountMicros)
	}
	return l.move(ctx, userID, amountMicros, reason, corr)
}

// move appends one Movement and applies it to the balance row in a single
// transaction. amountMicros is signed.
func (l *PostgresLedger) move(ctx context.Context, userID int64, amountMicros int64, reason string, corr Correlation) (models.Movement, error) {
	if amountMicros == 0 {
		return models.Movement{}, fmt.Errorf("zero amount movement for user %d", userID)
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return models.Movement{}, storeErr("begin movement", err)
	}
	defer tx.Rollback(ctx)

	// Ensure the balance row exists, then lock it.
	_, err = tx.Exec(ctx, `INSERT INTO balances (user_id, balance_micros) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return models.Movement{}, storeErr("ensure balance row", err)
	}

	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance_micros FROM balances WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		return models.Movement{}, storeErr("lock balance row", err)
	}

	if amountMicros < 0 && corr.TransID != "" {
		prior, found, err := priorWithdrawal(ctx, tx, userID, corr.TransID)
		if err != nil {
			return models.Movement{}, err
		}
		if found {
			if prior.AmountMicros != amountMicros {
				return models.Movement{}, models.ErrDuplicateTransaction
			}
			return prior, nil
		}
	}

	if amountMicros < 0 && balance+amountMicros < 0 {
		return models.Movement{}, models.ErrInsufficientFunds
	}

	movement := models.Movement{
		ID:           uuid.New(),
		UserID:       userID,
		AmountMicros: amountMicros,
		Reason:       reason,
		HoldID:       corr.HoldID,
		TransID:      corr.TransID,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO movements (id, user_id, amount_micros, reason, hold_id, trans_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NOW())
		RETURNING created_at`,
		movement.ID, movement.UserID, movement.AmountMicros, movement.Reason, movement.HoldID, movement.TransID,
	).Scan(&movement.CreatedAt)
	if err != nil {
		return models.Movement{}, storeErr("insert movement", err)
	}

	_, err = tx.Exec(ctx, `UPDATE balances SET balance_micros = balance_micros + $1 WHERE user_id = $2`, amountMicros, userID)
	if err != nil {
		return models.Movement{}, storeErr("update balance", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Movement{}, storeErr("commit movement", err)
	}
	return movement, nil
}

// priorWithdrawal finds an uncompensated debit with the given transaction id.
// It runs inside the movement transaction, after the balance row lock, so the
// check cannot race a concurrent debit for the same user.
func priorWithdrawal(ctx context.Context, tx pgx.Tx, userID int64, transID string) (models.Movement, bool, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, user_id, amount_micros, reason, COALESCE(hold_id, ''), COALESCE(trans_id, ''), created_at
		FROM movements
		WHERE user_id = $1 AND trans_id = $2
		ORDER BY created_at`, userID, transID)
	if err != nil {
		return models.Movement{}, false, storeErr("check prior withdrawal", err)
	}
	defer rows.Close()

	var matched []models.Movement
	for rows.Next() {
		var m models.Movement
		if err := rows.Scan(&m.ID, &m.UserID, &m.AmountMicros, &m.Reason, &m.HoldID, &m.TransID, &m.CreatedAt); err != nil {
			return models.Movement{}, false, storeErr("scan prior withdrawal", err)
		}
		matched = append(matched, m)
	}
	if err := rows.Err(); err != nil {
		return models.Movement{}, false, storeErr("check prior withdrawal", err)
	}
	prior, found := unrefundedWithdrawal(matched)
	return prior, found, nil
}

func (l *PostgresLedger) HasMovements(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := l.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM movements WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, storeErr("check movements", err)
	}
	return exists, nil
}

func (l *PostgresLedger) Movements(ctx context.Context, userID int64, limit, offset int) ([]models.Movement, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, user_id, amount_micros, reason, COALESCE(hold_id, ''), COALESCE(trans_id, ''), created_at
		FROM movements
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, storeErr("list movements", err)
	}
	defer rows.Close()

	var movements []models.Movement
	for rows.Next() {
		var m models.Movement
		if err := rows.Scan(&m.ID, &m.UserID, &m.AmountMicros, &m.Reason, &m.HoldID, &m.TransID, &m.CreatedAt); err != nil {
			return nil, storeErr("scan movement", err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (l *PostgresLedger) Reconcile(ctx context.Context) ([]Imbalance, error) {
	rows, err := l.db.Query(ctx, `
		SELECT b.user_id, b.balance_micros, COALESCE(SUM(m.amount_micros), 0) AS movement_sum
		FROM balances b
		LEFT JOIN movements m ON m.user_id = b.user_id
		GROUP BY b.user_id, b.balance_micros
		HAVING b.balance_micros <> COALESCE(SUM(m.amount_micros), 0)`)
	if err != nil {
		return nil, storeErr("reconcile", err)
	}
	defer rows.Close()

	var out []Imbalance
	for rows.Next() {
		var im Imbalance
		if err := rows.Scan(&im.UserID, &im.BalanceMicros, &im.SumMicros); err != nil {
			return nil, storeErr("scan imbalance", err)
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %s: %w", op, err, models.ErrStoreUnavailable)
}
