package emit

import "sync"

// HistoryFilter narrows a History query. Zero-value fields match
// everything.
type HistoryFilter struct {
	NodeID  string
	Msg     string
	MinStep int
	MaxStep int // inclusive; 0 means no upper bound
}

func (f HistoryFilter) matches(ev Event) bool {
	if f.NodeID != "" && ev.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && ev.Msg != f.Msg {
		return false
	}
	if ev.Step < f.MinStep {
		return false
	}
	if f.MaxStep > 0 && ev.Step > f.MaxStep {
		return false
	}
	return true
}

// BufferedEmitter keeps events in memory, grouped by run. It backs the
// orchestrator's per-run visit log and is handy as a test double.
type BufferedEmitter struct {
	mu     sync.Mutex
	byRun  map[string][]Event
	maxLen int
}

// NewBufferedEmitter retains up to maxPerRun events per run; zero or
// negative means unbounded. When the cap is hit the oldest events for
// that run are dropped first.
func NewBufferedEmitter(maxPerRun int) *BufferedEmitter {
	return &BufferedEmitter{
		byRun:  make(map[string][]Event),
		maxLen: maxPerRun,
	}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := append(b.byRun[ev.RunID], ev)
	if b.maxLen > 0 && len(events) > b.maxLen {
		events = events[len(events)-b.maxLen:]
	}
	b.byRun[ev.RunID] = events
}

// History returns the retained events for a run in emission order.
func (b *BufferedEmitter) History(runID string) []Event {
	return b.HistoryFiltered(runID, HistoryFilter{})
}

// HistoryFiltered returns the retained events for a run matching f.
func (b *BufferedEmitter) HistoryFiltered(runID string, f HistoryFilter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.byRun[runID] {
		if f.matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Clear drops the retained events for a run.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byRun, runID)
}
