package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists events in a single-table SQLite database. WAL mode
// keeps readers (replay, export) off the writer's back.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the event database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("events: open %s: %w", path, err)
	}
	// modernc sqlite serializes on a single connection; more just contend.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle, running migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("events: enable WAL: %w", err)
	}
	query := `
    CREATE TABLE IF NOT EXISTS events (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        type TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        intent_id TEXT NOT NULL DEFAULT '',
        plan_id TEXT NOT NULL DEFAULT '',
        policy_gen INTEGER NOT NULL DEFAULT 0,
        body BLOB NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_events_intent ON events(intent_id);
    CREATE INDEX IF NOT EXISTS idx_events_plan ON events(plan_id);
    CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("events: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, timestamp, intent_id, plan_id, policy_gen, body) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Type, ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.IntentID, ev.PlanID, ev.PolicyGen, []byte(ev.Body))
	if err != nil {
		return Event{}, fmt.Errorf("events: append: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("events: append: %w", err)
	}
	ev.Seq = uint64(seq)
	return ev, nil
}

func (s *SQLiteStore) Range(ctx context.Context, q Query) ([]Event, error) {
	query := `SELECT seq, type, timestamp, intent_id, plan_id, policy_gen, body FROM events`
	var conds []string
	var args []interface{}
	if q.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, q.Type)
	}
	if q.IntentID != "" {
		conds = append(conds, "intent_id = ?")
		args = append(args, q.IntentID)
	}
	if q.PlanID != "" {
		conds = append(conds, "plan_id = ?")
		args = append(args, q.PlanID)
	}
	if q.AfterSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, q.AfterSeq)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events: range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: range: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ByIntent(ctx context.Context, intentID string) ([]Event, error) {
	return s.Range(ctx, Query{IntentID: intentID})
}

func (s *SQLiteStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("events: last seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var ev Event
	var ts string
	var body []byte
	if err := rows.Scan(&ev.Seq, &ev.Type, &ts, &ev.IntentID, &ev.PlanID, &ev.PolicyGen, &body); err != nil {
		return Event{}, fmt.Errorf("events: scan: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Event{}, fmt.Errorf("events: parse timestamp %q: %w", ts, err)
	}
	ev.Timestamp = parsed
	ev.Body = body
	return ev, nil
}
