package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/aureus-labs/sentinel/pkg/contracts"
)

// PostgresStore persists executions in Postgres for multi-node bridges that
// share one history. Same contract as SQLiteStore.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the given DSN and runs migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without migrating; used by tests
// that substitute a mock connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS executions (
        id TEXT PRIMARY KEY,
        actor TEXT NOT NULL,
        tool TEXT NOT NULL,
        risk TEXT NOT NULL,
        approved BOOLEAN NOT NULL,
        intent_id TEXT NOT NULL DEFAULT '',
        timestamp TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_executions_actor_ts ON executions(actor, timestamp);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("memory: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, ex Execution) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, actor, tool, risk, approved, intent_id, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ex.ID, ex.Actor, ex.Tool, string(ex.Risk), ex.Approved, ex.IntentID, ex.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("memory: record execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, actor string, since time.Time) ([]Execution, error) {
	return s.query(ctx,
		`SELECT id, actor, tool, risk, approved, intent_id, timestamp FROM executions
         WHERE actor = $1 AND timestamp >= $2 ORDER BY timestamp DESC`,
		actor, since.UTC())
}

func (s *PostgresStore) All(ctx context.Context, actor string) ([]Execution, error) {
	return s.query(ctx,
		`SELECT id, actor, tool, risk, approved, intent_id, timestamp FROM executions
         WHERE actor = $1 ORDER BY timestamp DESC`,
		actor)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Execution
	for rows.Next() {
		var ex Execution
		var risk string
		if err := rows.Scan(&ex.ID, &ex.Actor, &ex.Tool, &risk, &ex.Approved, &ex.IntentID, &ex.Timestamp); err != nil {
			return nil, fmt.Errorf("memory: scan execution: %w", err)
		}
		ex.Risk = contracts.RiskLevel(risk)
		ex.Timestamp = ex.Timestamp.UTC()
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: query history: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
