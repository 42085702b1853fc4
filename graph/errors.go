package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the driver.
var (
	// ErrMaxStepsExceeded is returned when the step budget runs out before
	// the workflow reaches a terminal. The state accumulated so far is
	// still returned alongside it.
	ErrMaxStepsExceeded = errors.New("max steps exceeded")

	// ErrMaxAttemptsExceeded is wrapped into a NodeError when a node keeps
	// failing with a transient error past its retry cap.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")

	// ErrNoRoute is wrapped into an EngineError when no edge out of the
	// current node matches.
	ErrNoRoute = errors.New("no matching edge")

	// ErrNodeTimeout is wrapped into a NodeError when a node exceeds its
	// wall-clock timeout.
	ErrNodeTimeout = errors.New("node timed out")
)

// EngineError codes.
const (
	CodeInvalidGraph = "INVALID_GRAPH"
	CodeNoRoute      = "NO_ROUTE"
	CodeDuplicate    = "DUPLICATE_NODE"
	CodeUnknownNode  = "UNKNOWN_NODE"
)

// EngineError reports a structural or routing problem with the workflow
// itself, as opposed to a failure inside a node.
type EngineError struct {
	Code    string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("engine: %s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NodeError wraps an error raised while executing a node, recording which
// node failed and on which attempt.
type NodeError struct {
	NodeID  string
	Attempt int
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q (attempt %d): %v", e.NodeID, e.Attempt, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Transient is implemented by errors that are safe to retry.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether err (or anything it wraps) marks itself as
// retryable via the Transient interface.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}
