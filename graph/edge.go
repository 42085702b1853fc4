package graph

// Predicate gates an edge. It must be pure: same state in, same answer out.
type Predicate[S any] func(state S) bool

// Edge connects two nodes. A nil When matches unconditionally.
// Edges from the same node are evaluated in registration order and the
// first match wins.
type Edge[S any] struct {
	From string
	To   string
	When Predicate[S]
}

// Selector names the branch to follow out of a node. It must be pure.
type Selector[S any] func(state S) string

// Branch is a multi-way conditional edge: the selector's return value is
// looked up in Branches to find the next node. A selector result with no
// entry in Branches is a routing error.
type Branch[S any] struct {
	From     string
	Select   Selector[S]
	Branches map[string]string
}
