package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aureus-labs/sentinel/pkg/contracts"
)

// SQLiteStore persists executions in SQLite. The default backend for
// single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the execution history database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS executions (
        id TEXT PRIMARY KEY,
        actor TEXT NOT NULL,
        tool TEXT NOT NULL,
        risk TEXT NOT NULL,
        approved INTEGER NOT NULL,
        intent_id TEXT NOT NULL DEFAULT '',
        timestamp INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_executions_actor_ts ON executions(actor, timestamp);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("memory: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, ex Execution) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, actor, tool, risk, approved, intent_id, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.Actor, ex.Tool, string(ex.Risk), boolToInt(ex.Approved), ex.IntentID,
		ex.Timestamp.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("memory: record execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, actor string, since time.Time) ([]Execution, error) {
	return s.query(ctx,
		`SELECT id, actor, tool, risk, approved, intent_id, timestamp FROM executions
         WHERE actor = ? AND timestamp >= ? ORDER BY timestamp DESC`,
		actor, since.UTC().UnixNano())
}

func (s *SQLiteStore) All(ctx context.Context, actor string) ([]Execution, error) {
	return s.query(ctx,
		`SELECT id, actor, tool, risk, approved, intent_id, timestamp FROM executions
         WHERE actor = ? ORDER BY timestamp DESC`,
		actor)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...interface{}) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Execution
	for rows.Next() {
		var ex Execution
		var risk string
		var approved int
		var ts int64
		if err := rows.Scan(&ex.ID, &ex.Actor, &ex.Tool, &risk, &approved, &ex.IntentID, &ts); err != nil {
			return nil, fmt.Errorf("memory: scan execution: %w", err)
		}
		ex.Risk = contracts.RiskLevel(risk)
		ex.Approved = approved != 0
		ex.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: query history: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
