package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sinparty/esf-settlement/internal/models"
	"go.uber.org/zap"
)

const redisKeyPrefix = "settlement:idem"

// PostgresGuard keeps claims in Postgres as the source of truth and caches
// recorded results in Redis. The cache is best-effort: a cold or absent Redis
// only costs a database read.
type PostgresGuard struct {
	db    *pgxpool.Pool
	redis redis.Cmdable
	ttl   time.Duration
}

func NewPostgresGuard(db *pgxpool.Pool, redisClient redis.Cmdable, ttl time.Duration) *PostgresGuard {
	return &PostgresGuard{db: db, redis: redisClient, ttl: ttl}
}

type cacheEnvelope struct {
	Op     string `json:"op"`
	UserID int64  `json:"user_id"`
	Key    string `json:"key"`
	Result []byte `json:"result"`
}

func (g *PostgresGuard) ClaimOrFetch(ctx context.Context, op string, userID int64, key string) (bool, []byte, error) {
	if g.redis != nil {
		val, err := g.redis.Get(ctx, redisKey(op, userID, key)).Result()
		if err == nil {
			var env cacheEnvelope
			if json.Unmarshal([]byte(val), &env) == nil && env.Result != nil {
				return false, env.Result, nil
			}
		} else if err != redis.Nil {
			zap.L().Warn("idempotency cache lookup failed", zap.Error(err))
		}
	}

	tag, err := g.db.Exec(ctx, `
		INSERT INTO idempotency_keys (op, user_id, external_key, result, created_at)
		VALUES ($1, $2, $3, NULL, NOW())
		ON CONFLICT (op, user_id, external_key) DO NOTHING`, op, userID, key)
	if err != nil {
		return false, nil, storeErr("claim idempotency key", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	var result []byte
	err = g.db.QueryRow(ctx, `
		SELECT result FROM idempotency_keys
		WHERE op = $1 AND user_id = $2 AND external_key = $3`, op, userID, key).Scan(&result)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Claim row vanished between insert and read; treat as new.
			return true, nil, nil
		}
		return false, nil, storeErr("fetch idempotency result", err)
	}
	if result == nil {
		// A concurrent in-flight claim for the same user cannot happen
		// under the engine's per-user lock; a NULL result here is a
		// crashed predecessor. Take the claim over.
		return true, nil, nil
	}
	g.cache(ctx, op, userID, key, result)
	return false, result, nil
}

func (g *PostgresGuard) Record(ctx context.Context, op string, userID int64, key string, result []byte) error {
	tag, err := g.db.Exec(ctx, `
		UPDATE idempotency_keys SET result = $4, recorded_at = NOW()
		WHERE op = $1 AND user_id = $2 AND external_key = $3`, op, userID, key, result)
	if err != nil {
		return storeErr("record idempotency result", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("record idempotency result affected %d rows", tag.RowsAffected())
	}
	g.cache(ctx, op, userID, key, result)
	return nil
}

func (g *PostgresGuard) Forget(ctx context.Context, op string, userID int64, key string) error {
	_, err := g.db.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE op = $1 AND user_id = $2 AND external_key = $3 AND result IS NULL`, op, userID, key)
	if err != nil {
		return storeErr("forget idempotency key", err)
	}
	return nil
}

func (g *PostgresGuard) cache(ctx context.Context, op string, userID int64, key string, result []byte) {
	if g.redis == nil {
		return
	}
	payload, err := json.Marshal(cacheEnvelope{Op: op, UserID: userID, Key: key, Result: result})
	if err != nil {
		zap.L().Warn("marshal idempotency cache", zap.Error(err))
		return
	}
	if err := g.redis.Set(ctx, redisKey(op, userID, key), payload, g.ttl).Err(); err != nil {
		zap.L().Warn("idempotency cache set failed", zap.Error(err))
	}
}

func redisKey(op string, userID int64, key string) string {
	return fmt.Sprintf("%s:%s:%d:%s", redisKeyPrefix, op, userID, key)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %s: %w", op, err, models.ErrStoreUnavailable)
}
