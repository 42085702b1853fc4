package graph

import "context"

// Node is a unit of work in a workflow. Run receives a snapshot of the
// current state and returns a NodeResult carrying a delta to merge, an
// optional explicit route, or an error. Nodes must never mutate the
// snapshot they are given; all state changes flow through the reducer.
type Node[S any] interface {
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeFunc adapts an ordinary function to the Node interface.
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements Node.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}

// NodeResult is what a node hands back to the driver.
//
// Delta holds the partial state the reducer merges into the run state.
// Route, when set, overrides edge evaluation for this step. Err aborts
// the step; transient errors may be retried per the node's retry policy.
type NodeResult[S any] struct {
	Delta S
	Route *Next
	Err   error
}

// Next is an explicit routing decision returned by a node.
type Next struct {
	// To names the next node. Ignored when Terminal is set.
	To string
	// Terminal ends the run successfully after this step.
	Terminal bool
}

// Stop routes to the end of the run.
func Stop() *Next { return &Next{Terminal: true} }

// Goto routes directly to the named node, bypassing edge evaluation.
func Goto(nodeID string) *Next { return &Next{To: nodeID} }
