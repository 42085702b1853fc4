package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
)

// LogFormat selects the LogEmitter output encoding.
type LogFormat int

const (
	// FormatText writes one human-readable line per event.
	FormatText LogFormat = iota
	// FormatJSON writes one JSON object per line.
	FormatJSON
)

// LogEmitter writes events to an io.Writer, one per line. Writes are
// serialized with a mutex so interleaved runs stay line-atomic.
type LogEmitter struct {
	mu     sync.Mutex
	w      io.Writer
	format LogFormat
}

// NewLogEmitter writes text or JSONL events to w.
func NewLogEmitter(w io.Writer, format LogFormat) *LogEmitter {
	return &LogEmitter{w: w, format: format}
}

// Emit implements Emitter. Encoding or write failures are dropped; an
// observer must never take the run down.
func (l *LogEmitter) Emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == FormatJSON {
		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		l.w.Write(append(b, '\n'))
		return
	}

	line := fmt.Sprintf("%s run=%s step=%d node=%s msg=%q",
		ev.Time.Format("15:04:05.000"), ev.RunID, ev.Step, ev.NodeID, ev.Msg)
	if len(ev.Meta) > 0 {
		keys := make([]string, 0, len(ev.Meta))
		for k := range ev.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line += fmt.Sprintf(" %s=%v", k, ev.Meta[k])
		}
	}
	fmt.Fprintln(l.w, line)
}
