package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It keeps JSON-encoded state so that
// loads return copies, never aliases of saved values.
type MemStore[S any] struct {
	mu          sync.RWMutex
	steps       map[string][]memRecord // runID -> records ordered by step
	checkpoints map[string][]byte      // runID + "\x00" + name -> state
}

type memRecord struct {
	step    int
	nodeID  string
	state   []byte
	savedAt time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		steps:       make(map[string][]memRecord),
		checkpoints: make(map[string][]byte),
	}
}

// SaveStep implements Store.
func (m *MemStore[S]) SaveStep(_ context.Context, runID string, step int, nodeID string, state S) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.steps[runID]
	for i := range records {
		if records[i].step == step {
			records[i] = memRecord{step: step, nodeID: nodeID, state: b, savedAt: time.Now()}
			return nil
		}
	}
	m.steps[runID] = append(records, memRecord{step: step, nodeID: nodeID, state: b, savedAt: time.Now()})
	return nil
}

// LoadLatest implements Store.
func (m *MemStore[S]) LoadLatest(_ context.Context, runID string) (StepRecord[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.steps[runID]
	if len(records) == 0 {
		return StepRecord[S]{}, ErrNotFound
	}
	latest := records[0]
	for _, r := range records[1:] {
		if r.step > latest.step {
			latest = r
		}
	}
	var state S
	if err := json.Unmarshal(latest.state, &state); err != nil {
		return StepRecord[S]{}, fmt.Errorf("decode state: %w", err)
	}
	return StepRecord[S]{
		RunID:   runID,
		Step:    latest.step,
		NodeID:  latest.nodeID,
		State:   state,
		SavedAt: latest.savedAt,
	}, nil
}

// SaveCheckpoint implements Store.
func (m *MemStore[S]) SaveCheckpoint(_ context.Context, runID, name string, state S) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[runID+"\x00"+name] = b
	return nil
}

// LoadCheckpoint implements Store.
func (m *MemStore[S]) LoadCheckpoint(_ context.Context, runID, name string) (S, error) {
	m.mu.RLock()
	b, ok := m.checkpoints[runID+"\x00"+name]
	m.mu.RUnlock()
	var state S
	if !ok {
		return state, ErrNotFound
	}
	if err := json.Unmarshal(b, &state); err != nil {
		return state, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}
