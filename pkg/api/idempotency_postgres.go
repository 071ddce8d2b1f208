package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresIdempotencyStore makes idempotency durable across restarts for
// multi-node bridges sharing a database.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotencyStore wraps an existing handle. Migrate must be
// called once before use.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

// Migrate creates the idempotency table.
func (s *PostgresIdempotencyStore) Migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS intent_decisions (
        intent_id TEXT PRIMARY KEY,
        body_hash TEXT NOT NULL,
        status_code INTEGER NOT NULL,
        body BYTEA NOT NULL,
        cached_at TIMESTAMPTZ NOT NULL
    );`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("api: idempotency migrate: %w", err)
	}
	return nil
}

func (s *PostgresIdempotencyStore) Get(ctx context.Context, intentID string) (*CachedDecision, bool, error) {
	var dec CachedDecision
	err := s.db.QueryRowContext(ctx,
		`SELECT intent_id, body_hash, status_code, body, cached_at FROM intent_decisions WHERE intent_id = $1`,
		intentID,
	).Scan(&dec.IntentID, &dec.BodyHash, &dec.StatusCode, &dec.Body, &dec.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("api: idempotency get: %w", err)
	}
	if s.ttl > 0 && time.Since(dec.CachedAt) > s.ttl {
		return nil, false, nil
	}
	return &dec, true, nil
}

func (s *PostgresIdempotencyStore) Put(ctx context.Context, dec CachedDecision) error {
	if dec.CachedAt.IsZero() {
		dec.CachedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO intent_decisions (intent_id, body_hash, status_code, body, cached_at)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (intent_id) DO NOTHING`,
		dec.IntentID, dec.BodyHash, dec.StatusCode, dec.Body, dec.CachedAt)
	if err != nil {
		return fmt.Errorf("api: idempotency put: %w", err)
	}
	return nil
}
