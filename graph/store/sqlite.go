package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_steps (
	run_id   TEXT NOT NULL,
	step     INTEGER NOT NULL,
	node_id  TEXT NOT NULL,
	state    TEXT NOT NULL,
	saved_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, step)
);
CREATE TABLE IF NOT EXISTS workflow_checkpoints (
	run_id   TEXT NOT NULL,
	name     TEXT NOT NULL,
	state    TEXT NOT NULL,
	saved_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, name)
);
`

// SQLiteStore persists run history in a SQLite database via the pure-Go
// modernc driver. Suitable for single-process deployments and tests
// (":memory:" works).
type SQLiteStore[S any] struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema. WAL mode keeps concurrent readers cheap.
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// modernc/sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent SaveStep.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore[S]{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore[S]) Close() error { return s.db.Close() }

// SaveStep implements Store.
func (s *SQLiteStore[S]) SaveStep(ctx context.Context, runID string, step int, nodeID string, state S) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (run_id, step, node_id, state, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step) DO UPDATE SET
			node_id = excluded.node_id,
			state = excluded.state,
			saved_at = excluded.saved_at`,
		runID, step, nodeID, string(b), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (s *SQLiteStore[S]) LoadLatest(ctx context.Context, runID string) (StepRecord[S], error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT step, node_id, state, saved_at
		FROM workflow_steps
		WHERE run_id = ?
		ORDER BY step DESC
		LIMIT 1`, runID)

	var (
		rec     StepRecord[S]
		raw     string
		savedAt time.Time
	)
	err := row.Scan(&rec.Step, &rec.NodeID, &raw, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("load latest: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &rec.State); err != nil {
		return rec, fmt.Errorf("decode state: %w", err)
	}
	rec.RunID = runID
	rec.SavedAt = savedAt
	return rec, nil
}

// SaveCheckpoint implements Store.
func (s *SQLiteStore[S]) SaveCheckpoint(ctx context.Context, runID, name string, state S) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (run_id, name, state, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE SET
			state = excluded.state,
			saved_at = excluded.saved_at`,
		runID, name, string(b), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *SQLiteStore[S]) LoadCheckpoint(ctx context.Context, runID, name string) (S, error) {
	var state S
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM workflow_checkpoints
		WHERE run_id = ? AND name = ?`, runID, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return state, ErrNotFound
	}
	if err != nil {
		return state, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return state, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}
