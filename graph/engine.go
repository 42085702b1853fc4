package graph

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dshills/ragflow-go/graph/emit"
	"github.com/dshills/ragflow-go/graph/store"
)

// End is the reserved terminal target. Routing to it ends the run
// successfully. It cannot be registered as a node.
const End = "__end__"

// Options tunes the driver loop.
type Options struct {
	// MaxSteps caps the number of merged steps in a run. Zero means the
	// default of 100.
	MaxSteps int

	// DefaultNodeTimeout bounds each node execution attempt unless the
	// node's policy overrides it. Zero disables the default timeout.
	DefaultNodeTimeout time.Duration

	// RunWallClockBudget bounds the whole run. Zero means unbounded.
	RunWallClockBudget time.Duration

	// Retry is the engine-wide retry policy for transient node errors.
	// The zero value means DefaultRetryPolicy.
	Retry RetryPolicy

	// Metrics, when set, receives step latency and retry counts.
	Metrics *Metrics
}

const defaultMaxSteps = 100

// Engine executes a workflow graph over a state type S. Build it up with
// Add, Connect and ConnectBranches, set the entry with StartAt, then call
// Run. An Engine is safe for concurrent Runs once built; the builder
// methods are not safe to call concurrently with Run.
type Engine[S any] struct {
	reducer  Reducer[S]
	nodes    map[string]Node[S]
	edges    []Edge[S]
	branches map[string]Branch[S]
	policies map[string]NodePolicy
	start    string
	st       store.Store[S]
	em       emit.Emitter
	opts     Options
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// New constructs an Engine. The reducer is required; store and emitter
// may be nil, in which case steps are neither persisted nor reported.
func New[S any](reducer Reducer[S], st store.Store[S], em emit.Emitter, opts Options) (*Engine[S], error) {
	if reducer == nil {
		return nil, &EngineError{Code: CodeInvalidGraph, Message: "reducer is required"}
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, &EngineError{Code: CodeInvalidGraph, Message: "invalid retry policy", Err: err}
	}
	if em == nil {
		em = emit.NullEmitter{}
	}
	return &Engine[S]{
		reducer:  reducer,
		nodes:    make(map[string]Node[S]),
		branches: make(map[string]Branch[S]),
		policies: make(map[string]NodePolicy),
		st:       st,
		em:       em,
		opts:     opts,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Add registers a node under a unique ID.
func (e *Engine[S]) Add(nodeID string, n Node[S]) error {
	if nodeID == "" || nodeID == End {
		return &EngineError{Code: CodeInvalidGraph, Message: fmt.Sprintf("invalid node ID %q", nodeID)}
	}
	if n == nil {
		return &EngineError{Code: CodeInvalidGraph, Message: fmt.Sprintf("node %q is nil", nodeID)}
	}
	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Code: CodeDuplicate, Message: fmt.Sprintf("node %q already registered", nodeID)}
	}
	e.nodes[nodeID] = n
	return nil
}

// SetPolicy attaches execution overrides to a registered node.
func (e *Engine[S]) SetPolicy(nodeID string, p NodePolicy) error {
	if _, ok := e.nodes[nodeID]; !ok {
		return &EngineError{Code: CodeUnknownNode, Message: fmt.Sprintf("node %q not registered", nodeID)}
	}
	if p.Retry != nil {
		if err := p.Retry.Validate(); err != nil {
			return &EngineError{Code: CodeInvalidGraph, Message: fmt.Sprintf("node %q retry policy", nodeID), Err: err}
		}
	}
	e.policies[nodeID] = p
	return nil
}

// Connect adds an edge. A nil predicate matches unconditionally. Edges
// from the same node are tried in the order they were added; the first
// whose predicate holds wins. The target may be End.
func (e *Engine[S]) Connect(from, to string, when Predicate[S]) error {
	if _, ok := e.nodes[from]; !ok {
		return &EngineError{Code: CodeUnknownNode, Message: fmt.Sprintf("edge source %q not registered", from)}
	}
	if to != End {
		if _, ok := e.nodes[to]; !ok {
			return &EngineError{Code: CodeUnknownNode, Message: fmt.Sprintf("edge target %q not registered", to)}
		}
	}
	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: when})
	return nil
}

// ConnectBranches adds a multi-way conditional edge out of a node. The
// selector is evaluated against the merged state after the node runs and
// its result is looked up in branches. Branch targets may include End.
// A node has at most one branch edge; it is evaluated before plain edges.
func (e *Engine[S]) ConnectBranches(from string, sel Selector[S], branches map[string]string) error {
	if _, ok := e.nodes[from]; !ok {
		return &EngineError{Code: CodeUnknownNode, Message: fmt.Sprintf("branch source %q not registered", from)}
	}
	if sel == nil {
		return &EngineError{Code: CodeInvalidGraph, Message: fmt.Sprintf("branch selector for %q is nil", from)}
	}
	if len(branches) == 0 {
		return &EngineError{Code: CodeInvalidGraph, Message: fmt.Sprintf("branch map for %q is empty", from)}
	}
	if _, exists := e.branches[from]; exists {
		return &EngineError{Code: CodeDuplicate, Message: fmt.Sprintf("node %q already has a branch edge", from)}
	}
	for name, to := range branches {
		if to == End {
			continue
		}
		if _, ok := e.nodes[to]; !ok {
			return &EngineError{Code: CodeUnknownNode, Message: fmt.Sprintf("branch %q target %q not registered", name, to)}
		}
	}
	e.branches[from] = Branch[S]{From: from, Select: sel, Branches: branches}
	return nil
}

// StartAt sets the entry node.
func (e *Engine[S]) StartAt(nodeID string) error {
	if _, ok := e.nodes[nodeID]; !ok {
		return &EngineError{Code: CodeUnknownNode, Message: fmt.Sprintf("start node %q not registered", nodeID)}
	}
	e.start = nodeID
	return nil
}

// Run drives the workflow from the entry node until a terminal route, an
// error, context cancellation, or step budget exhaustion. It returns the
// state as of the last merged step in every case; when the budget runs
// out the state comes back alongside ErrMaxStepsExceeded so callers can
// salvage partial progress.
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (S, error) {
	state := initial
	if e.start == "" {
		return state, &EngineError{Code: CodeInvalidGraph, Message: "no start node set"}
	}

	if e.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunWallClockBudget)
		defer cancel()
	}

	current := e.start
	for step := 0; ; step++ {
		if step >= e.opts.MaxSteps {
			e.emit(runID, step, current, "step budget exhausted", nil)
			return state, fmt.Errorf("%w (budget %d)", ErrMaxStepsExceeded, e.opts.MaxSteps)
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		node, ok := e.nodes[current]
		if !ok {
			return state, &EngineError{Code: CodeUnknownNode, Message: fmt.Sprintf("routed to unregistered node %q", current)}
		}

		res, attempts, dur, err := e.executeWithRetry(ctx, runID, step, current, node, state)
		if err != nil {
			e.opts.Metrics.ObserveStep(current, "error", dur)
			e.emit(runID, step, current, "node failed", map[string]any{
				"error":    err.Error(),
				"attempts": attempts,
			})
			return state, &NodeError{NodeID: current, Attempt: attempts, Err: err}
		}

		state = e.reducer(state, res.Delta)
		e.opts.Metrics.ObserveStep(current, "ok", dur)

		if e.st != nil {
			if serr := e.st.SaveStep(ctx, runID, step, current, state); serr != nil {
				return state, fmt.Errorf("persist step %d (%s): %w", step, current, serr)
			}
		}
		e.emit(runID, step, current, "node completed", map[string]any{
			"duration_ms": dur.Milliseconds(),
			"attempts":    attempts,
		})

		next, err := e.route(current, res.Route, state)
		if err != nil {
			return state, err
		}
		if next == End {
			e.emit(runID, step+1, current, "run completed", nil)
			return state, nil
		}
		current = next
	}
}

// executeWithRetry runs a node, retrying transient failures up to the
// effective retry policy's attempt cap with exponential backoff. It
// returns the final result, the number of attempts made, and the total
// time spent executing (backoff sleeps excluded from the last duration).
func (e *Engine[S]) executeWithRetry(ctx context.Context, runID string, step int, nodeID string, n Node[S], state S) (NodeResult[S], int, time.Duration, error) {
	policy := e.opts.Retry
	if p, ok := e.policies[nodeID]; ok && p.Retry != nil {
		policy = *p.Retry
	}

	var res NodeResult[S]
	var total time.Duration
	for attempt := 1; ; attempt++ {
		snapshot, err := deepCopy(state)
		if err != nil {
			return res, attempt, total, fmt.Errorf("snapshot state: %w", err)
		}

		began := time.Now()
		res = e.runNode(ctx, nodeID, n, snapshot)
		total += time.Since(began)

		if res.Err == nil {
			return res, attempt, total, nil
		}
		if !policy.retryable(res.Err) {
			return res, attempt, total, res.Err
		}
		if attempt >= policy.MaxAttempts {
			return res, attempt, total, fmt.Errorf("%w (%d): %w", ErrMaxAttemptsExceeded, policy.MaxAttempts, res.Err)
		}

		e.opts.Metrics.IncRetry(nodeID)
		e.emit(runID, step, nodeID, "retrying node", map[string]any{
			"attempt": attempt,
			"error":   res.Err.Error(),
		})

		delay := e.backoffDelay(attempt, policy)
		select {
		case <-ctx.Done():
			return res, attempt, total, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay serializes access to the shared RNG so concurrent Runs
// can retry safely.
func (e *Engine[S]) backoffDelay(attempt int, policy RetryPolicy) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, e.rng)
}

// route resolves the next node: an explicit route from the node wins,
// then the node's branch edge, then plain edges in registration order.
func (e *Engine[S]) route(current string, explicit *Next, state S) (string, error) {
	if explicit != nil {
		if explicit.Terminal {
			return End, nil
		}
		return explicit.To, nil
	}
	if br, ok := e.branches[current]; ok {
		name := br.Select(state)
		to, ok := br.Branches[name]
		if !ok {
			return "", &EngineError{
				Code:    CodeNoRoute,
				Message: fmt.Sprintf("selector for %q returned unknown branch %q", current, name),
				Err:     ErrNoRoute,
			}
		}
		return to, nil
	}
	for _, edge := range e.edges {
		if edge.From != current {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To, nil
		}
	}
	return "", &EngineError{
		Code:    CodeNoRoute,
		Message: fmt.Sprintf("no edge out of %q matched", current),
		Err:     ErrNoRoute,
	}
}

func (e *Engine[S]) emit(runID string, step int, nodeID, msg string, meta map[string]any) {
	e.em.Emit(emit.Event{
		Time:   time.Now(),
		RunID:  runID,
		Step:   step,
		NodeID: nodeID,
		Msg:    msg,
		Meta:   meta,
	})
}
