package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "bare object",
			text: `{"query": "SELECT 1"}`,
			want: `{"query": "SELECT 1"}`,
		},
		{
			name: "object inside prose",
			text: "Here is the plan:\n{\"tool_calls\": []}\nLet me know.",
			want: `{"tool_calls": []}`,
		},
		{
			name: "markdown fence",
			text: "```json\n{\"can_answer\": true}\n```",
			want: `{"can_answer": true}`,
		},
		{
			name: "nested objects",
			text: `x {"a": {"b": {"c": 1}}} y`,
			want: `{"a": {"b": {"c": 1}}}`,
		},
		{
			name: "braces inside strings",
			text: `{"sql": "SELECT '}' FROM t", "note": "{"}`,
			want: `{"sql": "SELECT '}' FROM t", "note": "{"}`,
		},
		{
			name: "escaped quote inside string",
			text: `{"msg": "he said \"}\" loudly"}`,
			want: `{"msg": "he said \"}\" loudly"}`,
		},
		{
			name: "unbalanced",
			text: `{"a": {"b": 1}`,
			want: "",
		},
		{
			name: "no object",
			text: "plain text answer",
			want: "",
		},
		{
			name: "first of several",
			text: `{"a": 1} {"b": 2}`,
			want: `{"a": 1}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSONObject(tt.text)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if got != "" && !json.Valid([]byte(got)) {
				t.Errorf("extracted text is not valid JSON: %q", got)
			}
		})
	}
}

func TestNewProviderRouting(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic", "google", "gemini", "OpenAI"} {
		if _, err := New(provider, "m", "", "key"); err != nil {
			t.Errorf("New(%q) = %v", provider, err)
		}
	}
	if _, err := New("llamacloud", "m", "", "key"); err == nil {
		t.Error("unknown provider accepted")
	}
}

type blockingCompleter struct {
	release chan struct{}
}

func (b *blockingCompleter) Complete(ctx context.Context, _ Request) (Response, error) {
	select {
	case <-b.release:
		return Response{Text: "done"}, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (b *blockingCompleter) SupportsStructured() bool { return true }
func (b *blockingCompleter) Model() string            { return "blocking" }

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Len()
}

func TestKeepAliveHeartbeat(t *testing.T) {
	inner := &blockingCompleter{release: make(chan struct{})}
	var buf lockedBuffer
	k := NewKeepAlive(inner, &buf, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := k.Complete(context.Background(), Request{User: "q"}); err != nil {
			t.Errorf("Complete: %v", err)
		}
	}()

	time.Sleep(60 * time.Millisecond)
	close(inner.release)
	<-done

	written := buf.Len()
	if written == 0 {
		t.Fatal("no heartbeat bytes written during a slow completion")
	}

	// After Complete returns the heartbeat goroutine stops.
	time.Sleep(40 * time.Millisecond)
	if buf.Len() != written {
		t.Error("heartbeat kept writing after completion finished")
	}

	if k.Model() != "blocking" || !k.SupportsStructured() {
		t.Error("KeepAlive does not pass through Completer metadata")
	}
}
