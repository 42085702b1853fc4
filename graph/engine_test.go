package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/ragflow-go/graph/emit"
	"github.com/dshills/ragflow-go/graph/store"
)

type testState struct {
	Visited []string `json:"visited"`
	Count   int      `json:"count"`
	Route   string   `json:"route"`
}

func testReducer(prev, delta testState) testState {
	next := prev
	next.Visited = append(next.Visited[:len(next.Visited):len(next.Visited)], delta.Visited...)
	next.Count += delta.Count
	if delta.Route != "" {
		next.Route = delta.Route
	}
	return next
}

func visitNode(id string) NodeFunc[testState] {
	return func(_ context.Context, _ testState) NodeResult[testState] {
		return NodeResult[testState]{Delta: testState{Visited: []string{id}}}
	}
}

func newTestEngine(t *testing.T, opts Options) *Engine[testState] {
	t.Helper()
	eng, err := New(testReducer, store.NewMemStore[testState](), emit.NullEmitter{}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestEngineLinearRun(t *testing.T) {
	eng := newTestEngine(t, Options{})
	for _, id := range []string{"a", "b", "c"} {
		if err := eng.Add(id, visitNode(id)); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}
	mustConnect(t, eng, "a", "b")
	mustConnect(t, eng, "b", "c")
	mustConnect(t, eng, "c", End)
	mustStart(t, eng, "a")

	final, err := eng.Run(context.Background(), "run-linear", testState{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "a,b,c"
	if got := strings.Join(final.Visited, ","); got != want {
		t.Errorf("visited = %q, want %q", got, want)
	}
}

func TestEngineBranchRouting(t *testing.T) {
	tests := []struct {
		name  string
		route string
		want  string
	}{
		{"left branch", "left", "start,left"},
		{"right branch", "right", "start,right"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, Options{})
			start := func(_ context.Context, _ testState) NodeResult[testState] {
				return NodeResult[testState]{Delta: testState{Visited: []string{"start"}, Route: tt.route}}
			}
			if err := eng.Add("start", NodeFunc[testState](start)); err != nil {
				t.Fatal(err)
			}
			for _, id := range []string{"left", "right"} {
				if err := eng.Add(id, visitNode(id)); err != nil {
					t.Fatal(err)
				}
			}
			err := eng.ConnectBranches("start", func(s testState) string { return s.Route },
				map[string]string{"left": "left", "right": "right"})
			if err != nil {
				t.Fatalf("ConnectBranches: %v", err)
			}
			mustConnect(t, eng, "left", End)
			mustConnect(t, eng, "right", End)
			mustStart(t, eng, "start")

			final, err := eng.Run(context.Background(), "run-branch", testState{})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := strings.Join(final.Visited, ","); got != tt.want {
				t.Errorf("visited = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngineUnknownBranchIsNoRoute(t *testing.T) {
	eng := newTestEngine(t, Options{})
	if err := eng.Add("start", visitNode("start")); err != nil {
		t.Fatal(err)
	}
	if err := eng.Add("next", visitNode("next")); err != nil {
		t.Fatal(err)
	}
	err := eng.ConnectBranches("start", func(testState) string { return "nowhere" },
		map[string]string{"known": "next"})
	if err != nil {
		t.Fatal(err)
	}
	mustStart(t, eng, "start")

	_, err = eng.Run(context.Background(), "run-noroute", testState{})
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}
}

func TestEngineMaxStepsReturnsStateWithError(t *testing.T) {
	eng := newTestEngine(t, Options{MaxSteps: 3})
	if err := eng.Add("loop", visitNode("loop")); err != nil {
		t.Fatal(err)
	}
	mustConnect(t, eng, "loop", "loop")
	mustStart(t, eng, "loop")

	final, err := eng.Run(context.Background(), "run-budget", testState{})
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Fatalf("err = %v, want ErrMaxStepsExceeded", err)
	}
	if len(final.Visited) != 3 {
		t.Errorf("visited %d nodes before budget, want 3", len(final.Visited))
	}
}

func TestEngineRetriesTransientErrors(t *testing.T) {
	var attempts int
	flaky := func(_ context.Context, _ testState) NodeResult[testState] {
		attempts++
		if attempts < 3 {
			return NodeResult[testState]{Err: &transientTestErr{}}
		}
		return NodeResult[testState]{Delta: testState{Visited: []string{"flaky"}}}
	}
	eng := newTestEngine(t, Options{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	if err := eng.Add("flaky", NodeFunc[testState](flaky)); err != nil {
		t.Fatal(err)
	}
	mustConnect(t, eng, "flaky", End)
	mustStart(t, eng, "flaky")

	final, err := eng.Run(context.Background(), "run-retry", testState{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(final.Visited) != 1 {
		t.Errorf("delta merged %d times, want 1", len(final.Visited))
	}
}

func TestEngineRetryCapExhausted(t *testing.T) {
	always := func(_ context.Context, _ testState) NodeResult[testState] {
		return NodeResult[testState]{Err: &transientTestErr{}}
	}
	eng := newTestEngine(t, Options{
		Retry: RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})
	if err := eng.Add("down", NodeFunc[testState](always)); err != nil {
		t.Fatal(err)
	}
	mustStart(t, eng, "down")

	_, err := eng.Run(context.Background(), "run-exhaust", testState{})
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("err = %v, want ErrMaxAttemptsExceeded", err)
	}
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) || nodeErr.NodeID != "down" {
		t.Errorf("err = %v, want NodeError for %q", err, "down")
	}
}

func TestEnginePermanentErrorNotRetried(t *testing.T) {
	var attempts int
	broken := func(_ context.Context, _ testState) NodeResult[testState] {
		attempts++
		return NodeResult[testState]{Err: fmt.Errorf("bad input")}
	}
	eng := newTestEngine(t, Options{Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}})
	if err := eng.Add("broken", NodeFunc[testState](broken)); err != nil {
		t.Fatal(err)
	}
	mustStart(t, eng, "broken")

	if _, err := eng.Run(context.Background(), "run-perm", testState{}); err == nil {
		t.Fatal("Run succeeded, want error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestEngineNodeTimeout(t *testing.T) {
	hang := func(ctx context.Context, _ testState) NodeResult[testState] {
		<-ctx.Done()
		return NodeResult[testState]{Err: ctx.Err()}
	}
	eng := newTestEngine(t, Options{
		DefaultNodeTimeout: 10 * time.Millisecond,
		Retry:              RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	if err := eng.Add("hang", NodeFunc[testState](hang)); err != nil {
		t.Fatal(err)
	}
	mustStart(t, eng, "hang")

	_, err := eng.Run(context.Background(), "run-timeout", testState{})
	if err == nil {
		t.Fatal("Run succeeded, want timeout error")
	}
}

func TestEngineNodeGetsIsolatedSnapshot(t *testing.T) {
	mutator := func(_ context.Context, s testState) NodeResult[testState] {
		// Mutating the snapshot must not leak into the merged state.
		if len(s.Visited) > 0 {
			s.Visited[0] = "mutated"
		}
		return NodeResult[testState]{Delta: testState{Visited: []string{"second"}}}
	}
	eng := newTestEngine(t, Options{})
	if err := eng.Add("first", visitNode("first")); err != nil {
		t.Fatal(err)
	}
	if err := eng.Add("second", NodeFunc[testState](mutator)); err != nil {
		t.Fatal(err)
	}
	mustConnect(t, eng, "first", "second")
	mustConnect(t, eng, "second", End)
	mustStart(t, eng, "first")

	final, err := eng.Run(context.Background(), "run-isolate", testState{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Visited[0] != "first" {
		t.Errorf("state leaked node-side mutation: %v", final.Visited)
	}
}

func TestEnginePersistsSteps(t *testing.T) {
	st := store.NewMemStore[testState]()
	eng, err := New(testReducer, st, emit.NullEmitter{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Add("a", visitNode("a")); err != nil {
		t.Fatal(err)
	}
	if err := eng.Add("b", visitNode("b")); err != nil {
		t.Fatal(err)
	}
	mustConnect(t, eng, "a", "b")
	mustConnect(t, eng, "b", End)
	mustStart(t, eng, "a")

	if _, err := eng.Run(context.Background(), "run-persist", testState{}); err != nil {
		t.Fatal(err)
	}
	rec, err := st.LoadLatest(context.Background(), "run-persist")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if rec.Step != 1 || rec.NodeID != "b" {
		t.Errorf("latest = step %d node %q, want step 1 node b", rec.Step, rec.NodeID)
	}
	if len(rec.State.Visited) != 2 {
		t.Errorf("persisted state visited = %v", rec.State.Visited)
	}
}

func TestEngineEmitsEvents(t *testing.T) {
	buf := emit.NewBufferedEmitter(0)
	eng, err := New(testReducer, store.NewMemStore[testState](), buf, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Add("a", visitNode("a")); err != nil {
		t.Fatal(err)
	}
	mustConnect(t, eng, "a", End)
	mustStart(t, eng, "a")

	if _, err := eng.Run(context.Background(), "run-emit", testState{}); err != nil {
		t.Fatal(err)
	}
	completed := buf.HistoryFiltered("run-emit", emit.HistoryFilter{Msg: "node completed"})
	if len(completed) != 1 || completed[0].NodeID != "a" {
		t.Errorf("completed events = %+v, want one for node a", completed)
	}
}

func TestEngineBuildErrors(t *testing.T) {
	eng := newTestEngine(t, Options{})
	if err := eng.Add("a", visitNode("a")); err != nil {
		t.Fatal(err)
	}

	t.Run("duplicate node", func(t *testing.T) {
		err := eng.Add("a", visitNode("a"))
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != CodeDuplicate {
			t.Errorf("err = %v, want %s", err, CodeDuplicate)
		}
	})
	t.Run("edge to unknown node", func(t *testing.T) {
		err := eng.Connect("a", "missing", nil)
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != CodeUnknownNode {
			t.Errorf("err = %v, want %s", err, CodeUnknownNode)
		}
	})
	t.Run("run without start", func(t *testing.T) {
		_, err := eng.Run(context.Background(), "run-nostart", testState{})
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != CodeInvalidGraph {
			t.Errorf("err = %v, want %s", err, CodeInvalidGraph)
		}
	})
}

func TestEngineConcurrentRunsWithRetries(t *testing.T) {
	// One shared engine, many Runs retrying at once. Run under -race this
	// exercises the backoff RNG from multiple goroutines.
	var mu sync.Mutex
	failures := make(map[string]bool)
	flaky := func(_ context.Context, s testState) NodeResult[testState] {
		mu.Lock()
		first := !failures[s.Route]
		failures[s.Route] = true
		mu.Unlock()
		if first {
			return NodeResult[testState]{Err: &transientTestErr{}}
		}
		return NodeResult[testState]{Delta: testState{Visited: []string{"flaky"}}}
	}
	eng := newTestEngine(t, Options{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	if err := eng.Add("flaky", NodeFunc[testState](flaky)); err != nil {
		t.Fatal(err)
	}
	mustConnect(t, eng, "flaky", End)
	mustStart(t, eng, "flaky")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", i)
			_, errs[i] = eng.Run(context.Background(), runID, testState{Route: runID})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("run %d: %v", i, err)
		}
	}
}

type transientTestErr struct{}

func (*transientTestErr) Error() string   { return "transient test failure" }
func (*transientTestErr) Transient() bool { return true }

func mustConnect(t *testing.T, eng *Engine[testState], from, to string) {
	t.Helper()
	if err := eng.Connect(from, to, nil); err != nil {
		t.Fatalf("Connect(%s, %s): %v", from, to, err)
	}
}

func mustStart(t *testing.T, eng *Engine[testState], id string) {
	t.Helper()
	if err := eng.StartAt(id); err != nil {
		t.Fatalf("StartAt(%s): %v", id, err)
	}
}
