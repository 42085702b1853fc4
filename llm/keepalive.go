package llm

import (
	"context"
	"io"
	"time"
)

const defaultHeartbeat = 45 * time.Second

// KeepAlive wraps a Completer and writes a null byte to w at a fixed
// interval while a completion is in flight. Long local-model completions
// can outlast SSH connection idle limits; the heartbeat keeps the
// channel open without corrupting terminal output.
type KeepAlive struct {
	inner    Completer
	w        io.Writer
	interval time.Duration
}

// NewKeepAlive wraps inner. interval <= 0 uses 45s.
func NewKeepAlive(inner Completer, w io.Writer, interval time.Duration) *KeepAlive {
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	return &KeepAlive{inner: inner, w: w, interval: interval}
}

// Model implements Completer.
func (k *KeepAlive) Model() string { return k.inner.Model() }

// SupportsStructured implements Completer.
func (k *KeepAlive) SupportsStructured() bool { return k.inner.SupportsStructured() }

// Complete implements Completer.
func (k *KeepAlive) Complete(ctx context.Context, req Request) (Response, error) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.w.Write([]byte{0})
			}
		}
	}()

	return k.inner.Complete(ctx, req)
}
