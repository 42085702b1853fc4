// Package store persists workflow run history: every merged step, plus
// named checkpoints a caller can reload to replay a node in isolation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run or checkpoint has no saved state.
var ErrNotFound = errors.New("store: not found")

// StepRecord is one persisted step of a run.
type StepRecord[S any] struct {
	RunID   string
	Step    int
	NodeID  string
	State   S
	SavedAt time.Time
}

// Store persists run state. Implementations must be safe for concurrent
// use; state values must be JSON-serializable.
type Store[S any] interface {
	// SaveStep records the merged state after a step. Saving the same
	// (runID, step) twice overwrites, which keeps retried persistence
	// idempotent.
	SaveStep(ctx context.Context, runID string, step int, nodeID string, state S) error

	// LoadLatest returns the highest-step record for a run, or
	// ErrNotFound.
	LoadLatest(ctx context.Context, runID string) (StepRecord[S], error)

	// SaveCheckpoint stores state under a name, overwriting any previous
	// checkpoint with that name for the run.
	SaveCheckpoint(ctx context.Context, runID, name string, state S) error

	// LoadCheckpoint returns a named checkpoint, or ErrNotFound.
	LoadCheckpoint(ctx context.Context, runID, name string) (S, error)
}
