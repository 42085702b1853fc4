package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeService returns an httptest server answering /invoke with handler
// and a Service descriptor pointing at it.
func fakeService(t *testing.T, id string, kind ServiceKind, handler http.HandlerFunc) Service {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return Service{ID: id, Host: u.Hostname(), Port: port, Kind: kind}
}

func fakeRegistry(t *testing.T, services []Service) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services":
			json.NewEncoder(w).Encode(map[string]any{"services": services})
		case "/health":
			json.NewEncoder(w).Encode(HealthStatus{Status: "ok", ActiveServices: len(services)})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func okPayload(payload map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(payload)
	}
}

func TestDiscoverAndHealth(t *testing.T) {
	svc := fakeService(t, "search-server", KindSearch, okPayload(map[string]any{"results": []any{}}))
	registry := fakeRegistry(t, []Service{svc})
	c := NewClient(registry.URL)

	services, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	got, ok := services["search-server"]
	if !ok || got.Kind != KindSearch {
		t.Errorf("services = %+v", services)
	}

	health, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "ok" || health.ActiveServices != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestDiscoverRegistryUnavailable(t *testing.T) {
	t.Run("unreachable endpoint", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1")
		if _, err := c.Discover(context.Background()); !errors.Is(err, ErrRegistryUnavailable) {
			t.Errorf("err = %v, want ErrRegistryUnavailable", err)
		}
	})
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		c := NewClient(srv.URL)
		if _, err := c.Discover(context.Background()); !errors.Is(err, ErrRegistryUnavailable) {
			t.Errorf("err = %v, want ErrRegistryUnavailable", err)
		}
	})
}

func TestInvoke(t *testing.T) {
	t.Run("success decodes payload", func(t *testing.T) {
		svc := fakeService(t, "rag", KindRAG, func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Action     string         `json:"action"`
				Parameters map[string]any `json:"parameters"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			if req.Action != "query" {
				t.Errorf("action = %q", req.Action)
			}
			json.NewEncoder(w).Encode(map[string]any{"documents": []any{map[string]any{"content": "x"}}})
		})
		c := NewClient("http://unused")
		c.SetServices(map[string]Service{svc.ID: svc})

		raw, err := c.Invoke(context.Background(), ToolCall{
			ServiceID:  "rag",
			Action:     "query",
			Parameters: map[string]any{"query": "q"},
		})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if _, ok := raw.Payload["documents"]; !ok {
			t.Errorf("payload = %v", raw.Payload)
		}
	})

	t.Run("in-band error becomes ToolError", func(t *testing.T) {
		svc := fakeService(t, "sql", KindSQL, okPayload(map[string]any{"error": `relation "contacts" does not exist`}))
		c := NewClient("http://unused")
		c.SetServices(map[string]Service{svc.ID: svc})

		_, err := c.Invoke(context.Background(), ToolCall{ServiceID: "sql", Action: "query"})
		var toolErr *ToolError
		if !errors.As(err, &toolErr) {
			t.Fatalf("err = %v, want ToolError", err)
		}
		if toolErr.ServiceID != "sql" {
			t.Errorf("ServiceID = %q", toolErr.ServiceID)
		}
	})

	t.Run("5xx is retried then surfaces as ServiceUnavailable", func(t *testing.T) {
		var calls atomic.Int32
		svc := fakeService(t, "flaky", KindSearch, func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		})
		c := NewClient("http://unused", WithMaxRetries(2))
		c.SetServices(map[string]Service{svc.ID: svc})

		_, err := c.Invoke(context.Background(), ToolCall{ServiceID: "flaky", Action: "search"})
		var unavailable *ServiceUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("err = %v, want ServiceUnavailableError", err)
		}
		if got := calls.Load(); got != 3 {
			t.Errorf("service called %d times, want 3 (1 + 2 retries)", got)
		}
	})

	t.Run("5xx recovers on retry", func(t *testing.T) {
		var calls atomic.Int32
		svc := fakeService(t, "recovering", KindSearch, func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
		})
		c := NewClient("http://unused", WithMaxRetries(2))
		c.SetServices(map[string]Service{svc.ID: svc})

		if _, err := c.Invoke(context.Background(), ToolCall{ServiceID: "recovering", Action: "search"}); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	})

	t.Run("malformed body is ProtocolError, not retried", func(t *testing.T) {
		var calls atomic.Int32
		svc := fakeService(t, "garbled", KindSearch, func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			fmt.Fprint(w, "not json")
		})
		c := NewClient("http://unused", WithMaxRetries(2))
		c.SetServices(map[string]Service{svc.ID: svc})

		_, err := c.Invoke(context.Background(), ToolCall{ServiceID: "garbled", Action: "search"})
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("err = %v, want ProtocolError", err)
		}
		if calls.Load() != 1 {
			t.Errorf("protocol errors must not be retried; called %d times", calls.Load())
		}
	})

	t.Run("unknown service", func(t *testing.T) {
		c := NewClient("http://unused")
		_, err := c.Invoke(context.Background(), ToolCall{ServiceID: "nope"})
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Errorf("err = %v, want ProtocolError", err)
		}
	})
}

func TestInvokeManyOrderingAndIsolation(t *testing.T) {
	// Service "slow" answers after "fast" but must still land first in
	// the results because it is first in the call order.
	slow := fakeService(t, "slow", KindSearch, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"which": "slow"})
	})
	fast := fakeService(t, "fast", KindSearch, okPayload(map[string]any{"which": "fast"}))
	broken := fakeService(t, "broken", KindSearch, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := NewClient("http://unused", WithMaxRetries(0))
	c.SetServices(map[string]Service{"slow": slow, "fast": fast, "broken": broken})

	calls := []ToolCall{
		{ServiceID: "slow", Action: "search"},
		{ServiceID: "broken", Action: "search"},
		{ServiceID: "fast", Action: "search"},
	}
	results := c.InvokeMany(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Err != nil || results[0].Raw.Payload["which"] != "slow" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Err == nil {
		t.Error("results[1] should carry the broken service's error")
	}
	if results[2].Err != nil || results[2].Raw.Payload["which"] != "fast" {
		t.Errorf("results[2] = %+v", results[2])
	}
}

func TestInvokeManyBoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	inflight, peak := 0, 0
	svc := fakeService(t, "svc", KindSearch, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inflight--
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{})
	})

	c := NewClient("http://unused", WithConcurrency(2))
	c.SetServices(map[string]Service{"svc": svc})

	calls := make([]ToolCall, 6)
	for i := range calls {
		calls[i] = ToolCall{ServiceID: "svc", Action: "search"}
	}
	c.InvokeMany(context.Background(), calls)

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestInvokeManyCancellation(t *testing.T) {
	// The handler must not block unboundedly: server shutdown waits for
	// in-flight handlers.
	svc := fakeService(t, "svc", KindSearch, func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(250 * time.Millisecond):
		}
	})
	c := NewClient("http://unused", WithMaxRetries(0))
	c.SetServices(map[string]Service{"svc": svc})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan []BatchResult, 1)
	go func() {
		done <- c.InvokeMany(ctx, []ToolCall{{ServiceID: "svc", Action: "search"}})
	}()
	select {
	case results := <-done:
		if results[0].Err == nil {
			t.Error("cancelled call should carry an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("InvokeMany did not return after cancellation")
	}
}
