// Package emit carries execution events out of the workflow engine.
//
// The engine reports every step, retry and completion as an Event; where
// those events go is the caller's choice: a log stream (LogEmitter), an
// in-memory ring for later inspection (BufferedEmitter), OpenTelemetry
// spans (OTelEmitter), or nowhere (NullEmitter).
package emit

import "time"

// Event is one observation from a workflow run.
type Event struct {
	Time   time.Time      `json:"time"`
	RunID  string         `json:"run_id"`
	Step   int            `json:"step"`
	NodeID string         `json:"node_id"`
	Msg    string         `json:"msg"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Emitter receives events. Emit must be safe for concurrent use and must
// not block the engine for long; slow sinks should buffer internally.
type Emitter interface {
	Emit(Event)
}

// NullEmitter discards everything.
type NullEmitter struct{}

// Emit implements Emitter.
func (NullEmitter) Emit(Event) {}

// Multi fans one event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ev Event) {
	for _, e := range m {
		e.Emit(ev)
	}
}
