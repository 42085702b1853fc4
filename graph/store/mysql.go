package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_steps (
		run_id   VARCHAR(128) NOT NULL,
		step     INT NOT NULL,
		node_id  VARCHAR(128) NOT NULL,
		state    MEDIUMTEXT NOT NULL,
		saved_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, step)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
		run_id   VARCHAR(128) NOT NULL,
		name     VARCHAR(128) NOT NULL,
		state    MEDIUMTEXT NOT NULL,
		saved_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, name)
	)`,
}

// MySQLStore persists run history in MySQL, for deployments where run
// state must survive the process and be visible to other services.
type MySQLStore[S any] struct {
	db *sql.DB
}

// NewMySQLStore connects with a go-sql-driver DSN
// (user:pass@tcp(host:port)/dbname?parseTime=true) and ensures the
// schema. parseTime=true is required for saved_at scanning.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	for _, stmt := range mysqlSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("mysql schema: %w", err)
		}
	}
	return &MySQLStore[S]{db: db}, nil
}

// Close releases the connection pool.
func (s *MySQLStore[S]) Close() error { return s.db.Close() }

// SaveStep implements Store.
func (s *MySQLStore[S]) SaveStep(ctx context.Context, runID string, step int, nodeID string, state S) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (run_id, step, node_id, state, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			node_id = VALUES(node_id),
			state = VALUES(state),
			saved_at = VALUES(saved_at)`,
		runID, step, nodeID, string(b), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (s *MySQLStore[S]) LoadLatest(ctx context.Context, runID string) (StepRecord[S], error) {
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
func (s *MySQLStore[S]) SaveCheckpoint(ctx context.Context, runID, name string, state S) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (run_id, name, state, saved_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			saved_at = VALUES(saved_at)`,
		runID, name, string(b), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *MySQLStore[S]) LoadCheckpoint(ctx context.Context, runID, name string) (S, error) {
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
