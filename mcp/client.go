package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/ragflow-go/graph"
)

const (
	defaultConcurrency = 8
	defaultCallTimeout = 60 * time.Second
	defaultMaxRetries  = 2
	retryBaseDelay     = 200 * time.Millisecond
)

// Client talks to one registry and the services it advertises. Safe for
// concurrent use. Discover caches the service map; Invoke resolves
// targets from that cache.
type Client struct {
	registryURL string
	httpc       *http.Client
	concurrency int
	callTimeout time.Duration
	maxRetries  int
	metrics     *graph.Metrics

	mu       sync.RWMutex
	services map[string]Service
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithConcurrency caps the InvokeMany fan-out (default 8).
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithCallTimeout bounds each invocation attempt (default 60s).
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithMaxRetries sets in-client retries per call for transient network
// failures (default 2; 0 disables).
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithMetrics records call counts and in-flight gauge.
func WithMetrics(m *graph.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a client for the registry at registryURL (no trailing
// slash needed).
func NewClient(registryURL string, opts ...Option) *Client {
	c := &Client{
		registryURL: registryURL,
		httpc:       &http.Client{Timeout: defaultCallTimeout + 5*time.Second},
		concurrency: defaultConcurrency,
		callTimeout: defaultCallTimeout,
		maxRetries:  defaultMaxRetries,
		services:    make(map[string]Service),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover fetches the current service list from the registry and caches
// it for invocation routing. Any failure reaching or decoding the
// registry maps to ErrRegistryUnavailable.
func (c *Client) Discover(ctx context.Context) (map[string]Service, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.registryURL+"/services", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: registry returned %s", ErrRegistryUnavailable, resp.Status)
	}

	var body struct {
		Services []Service `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrRegistryUnavailable, err)
	}

	services := make(map[string]Service, len(body.Services))
	for _, svc := range body.Services {
		if svc.ID == "" {
			continue
		}
		if svc.Kind == "" {
			svc.Kind = KindOther
		}
		services[svc.ID] = svc
	}

	c.mu.Lock()
	c.services = services
	c.mu.Unlock()
	return services, nil
}

// Health probes the registry's /health endpoint.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var status HealthStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.registryURL+"/health", nil)
	if err != nil {
		return status, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return status, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("%w: health returned %s", ErrRegistryUnavailable, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("%w: decode health: %v", ErrRegistryUnavailable, err)
	}
	return status, nil
}

// Service returns a cached service by ID.
func (c *Client) Service(id string) (Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[id]
	return svc, ok
}

// Services returns a copy of the cached service map.
func (c *Client) Services() map[string]Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Service, len(c.services))
	for id, svc := range c.services {
		out[id] = svc
	}
	return out
}

// SetServices primes the routing cache without a Discover round trip,
// for callers that already hold a discovery snapshot.
func (c *Client) SetServices(services map[string]Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = make(map[string]Service, len(services))
	for id, svc := range services {
		c.services[id] = svc
	}
}

// Invoke executes one tool call against its service, retrying transient
// network failures up to the configured cap with jittered backoff. Tool
// and protocol errors are returned as-is; they would fail identically on
// retry.
func (c *Client) Invoke(ctx context.Context, call ToolCall) (RawResult, error) {
	svc, ok := c.Service(call.ServiceID)
	if !ok {
		return RawResult{}, &ProtocolError{
			ServiceID: call.ServiceID,
			Reason:    "service not in discovery cache",
		}
	}

	c.metrics.ToolCallStarted()
	defer c.metrics.ToolCallDone()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return RawResult{}, ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}

		raw, err := c.invokeOnce(ctx, svc, call)
		if err == nil {
			c.metrics.IncToolCall(call.ServiceID, "ok")
			return raw, nil
		}
		lastErr = err
		if !graph.IsTransient(err) {
			break
		}
	}
	c.metrics.IncToolCall(call.ServiceID, "error")
	return RawResult{}, lastErr
}

func (c *Client) invokeOnce(ctx context.Context, svc Service, call ToolCall) (RawResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"action":     call.Action,
		"parameters": call.Parameters,
	})
	if err != nil {
		return RawResult{}, &ProtocolError{ServiceID: svc.ID, Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, svc.BaseURL()+"/invoke", bytes.NewReader(body))
	if err != nil {
		return RawResult{}, &ProtocolError{ServiceID: svc.ID, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if callCtx.Err() != nil || transientNetErr(err) {
			return RawResult{}, &ServiceUnavailableError{ServiceID: svc.ID, Err: err}
		}
		return RawResult{}, &ProtocolError{ServiceID: svc.ID, Reason: "transport", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return RawResult{}, &ServiceUnavailableError{
			ServiceID: svc.ID,
			Err:       fmt.Errorf("server returned %s", resp.Status),
		}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return RawResult{}, &ProtocolError{
			ServiceID: svc.ID,
			Reason:    fmt.Sprintf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(msg)),
		}
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return RawResult{}, &ProtocolError{ServiceID: svc.ID, Reason: "decode response", Err: err}
	}

	// Services report their own failures in-band.
	if errMsg, ok := payload["error"].(string); ok && errMsg != "" {
		return RawResult{}, &ToolError{ServiceID: svc.ID, Action: call.Action, Message: errMsg}
	}

	return RawResult{ServiceID: svc.ID, Action: call.Action, Payload: payload}, nil
}

// InvokeMany runs calls concurrently with the configured fan-out cap and
// returns one BatchResult per call in the original order. Individual
// failures never abort the batch; parent context cancellation does.
func (c *Client) InvokeMany(ctx context.Context, calls []ToolCall) []BatchResult {
	results := make([]BatchResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = BatchResult{Call: call, Err: err}
				return nil
			}
			raw, err := c.Invoke(gctx, call)
			results[i] = BatchResult{Call: call, Raw: raw, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

func (c *Client) backoff(attempt int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	c.rngMu.Lock()
	jitter := time.Duration(c.rng.Int63n(int64(d)/4 + 1))
	c.rngMu.Unlock()
	return d + jitter
}
