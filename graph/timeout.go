package graph

import (
	"context"
	"fmt"
	"time"
)

// NodePolicy carries per-node execution overrides. A zero value defers to
// the engine defaults.
type NodePolicy struct {
	// Timeout bounds a single execution attempt of the node. Zero means
	// use Options.DefaultNodeTimeout; negative disables the timeout.
	Timeout time.Duration

	// Retry overrides the engine-wide retry policy for this node.
	Retry *RetryPolicy
}

// nodeTimeout resolves the effective timeout for a node: the node policy
// wins over the engine default.
func (e *Engine[S]) nodeTimeout(nodeID string) time.Duration {
	if p, ok := e.policies[nodeID]; ok && p.Timeout != 0 {
		if p.Timeout < 0 {
			return 0
		}
		return p.Timeout
	}
	return e.opts.DefaultNodeTimeout
}

// runNode executes one attempt of a node under its wall-clock timeout.
// The node runs in its own goroutine so a hung node cannot wedge the
// driver; on timeout the attempt's context is canceled and the result
// (if it ever arrives) is discarded.
func (e *Engine[S]) runNode(ctx context.Context, nodeID string, n Node[S], state S) NodeResult[S] {
	timeout := e.nodeTimeout(nodeID)
	if timeout <= 0 {
		return n.Run(ctx, state)
	}

	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan NodeResult[S], 1)
	go func() {
		done <- n.Run(nodeCtx, state)
	}()

	select {
	case res := <-done:
		return res
	case <-nodeCtx.Done():
		var zero S
		return NodeResult[S]{
			Delta: zero,
			Err:   fmt.Errorf("%w after %v: %w", ErrNodeTimeout, timeout, nodeCtx.Err()),
		}
	}
}
