package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus collectors shared by the engine and the
// clients built on it. All methods are safe on a nil receiver so callers
// can leave metrics off without guarding every call site.
type Metrics struct {
	stepLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	llmTokens   *prometheus.CounterVec
	toolCalls   *prometheus.CounterVec
	inflight    prometheus.Gauge
}

// NewMetrics registers the collectors with reg and returns the bundle.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragflow",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Wall-clock time spent executing a node, per step.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragflow",
			Subsystem: "engine",
			Name:      "node_retries_total",
			Help:      "Transient node failures that triggered a retry.",
		}, []string{"node"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragflow",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Completed workflow runs by outcome.",
		}, []string{"status"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragflow",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "LLM tokens consumed, by model and direction.",
		}, []string{"model", "direction"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragflow",
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by service and outcome.",
		}, []string{"service", "status"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragflow",
			Subsystem: "mcp",
			Name:      "inflight_calls",
			Help:      "Tool invocations currently in flight.",
		}),
	}
}

// ObserveStep records one node execution.
func (m *Metrics) ObserveStep(node, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(node, status).Observe(d.Seconds())
}

// IncRetry counts a retried node failure.
func (m *Metrics) IncRetry(node string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(node).Inc()
}

// IncRun counts a finished run with the given outcome.
func (m *Metrics) IncRun(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

// AddLLMTokens accumulates token usage for a model.
func (m *Metrics) AddLLMTokens(model string, input, output int64) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(model, "input").Add(float64(input))
	m.llmTokens.WithLabelValues(model, "output").Add(float64(output))
}

// IncToolCall counts a tool invocation outcome.
func (m *Metrics) IncToolCall(service, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(service, status).Inc()
}

// ToolCallStarted/ToolCallDone bracket an in-flight tool invocation.
func (m *Metrics) ToolCallStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) ToolCallDone() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}
