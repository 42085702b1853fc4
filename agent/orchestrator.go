package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dshills/ragflow-go/config"
	"github.com/dshills/ragflow-go/graph"
	"github.com/dshills/ragflow-go/graph/emit"
	"github.com/dshills/ragflow-go/graph/store"
	"github.com/dshills/ragflow-go/llm"
	"github.com/dshills/ragflow-go/mcp"
	"github.com/dshills/ragflow-go/normalize"
	"github.com/dshills/ragflow-go/security"
)

const defaultNodeTimeout = 10 * time.Minute

// NodeVisit is one entry of the per-run visit log.
type NodeVisit struct {
	Node       string `json:"node"`
	Step       int    `json:"step"`
	DurationMS int64  `json:"duration_ms"`
	Attempts   int    `json:"attempts"`
}

// FinalResult is what a run hands back to the caller.
type FinalResult struct {
	RunID       string                      `json:"run_id"`
	FinalAnswer string                      `json:"final_answer"`
	Visits      []NodeVisit                 `json:"visits"`
	ToolResults []normalize.Document        `json:"tool_results,omitempty"`
	Usage       map[string]graph.ModelUsage `json:"usage,omitempty"`
	CostUSD     float64                     `json:"cost_usd"`
}

// Orchestrator owns the workflow: it wires the clients into the node
// set, builds the graph, and runs requests. Safe for concurrent Runs.
type Orchestrator struct {
	cfg      *config.Config
	nodes    *Nodes
	st       store.Store[AgentState]
	buffered *emit.BufferedEmitter
	emitter  emit.Emitter
	metrics  *graph.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore overrides run-history persistence.
func WithStore(st store.Store[AgentState]) Option {
	return func(o *Orchestrator) { o.st = st }
}

// WithEmitter adds an event sink alongside the internal visit-log
// buffer.
func WithEmitter(em emit.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = em }
}

// WithMetrics enables Prometheus collection.
func WithMetrics(m *graph.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithInvoker overrides the MCP client (tests).
func WithInvoker(inv Invoker) Option {
	return func(o *Orchestrator) { o.nodes.MCP = inv }
}

// WithCompleter overrides the completer for one role (tests, custom
// providers).
func WithCompleter(role llm.Role, c llm.Completer) Option {
	return func(o *Orchestrator) { o.nodes.LLM[role] = c }
}

// New builds an Orchestrator from configuration.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	completers := make(map[llm.Role]llm.Completer)
	for _, role := range []llm.Role{
		llm.RoleAnalyzer, llm.RoleSynthesizer, llm.RoleAnswerer,
		llm.RoleSecurity, llm.RoleSQL,
	} {
		rc := cfg.Role(string(role))
		if rc.Provider == "" {
			continue
		}
		c, err := llm.New(rc.Provider, rc.Model, rc.Endpoint, rc.APIKey)
		if err != nil {
			return nil, fmt.Errorf("wire role %s: %w", role, err)
		}
		if cfg.Features.SSHKeepAlive {
			c = llm.NewKeepAlive(c, os.Stdout, 0)
		}
		completers[role] = c
	}

	validator := &security.Validator{
		DisableBlocking: cfg.Security.DisableSQLBlocking,
		UseLLMReview:    cfg.Security.UseLLMCheck,
		Reviewer:        completers[llm.RoleSecurity],
	}

	var st store.Store[AgentState]
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore[AgentState](cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		st = s
	case "mysql":
		s, err := store.NewMySQLStore[AgentState](cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		st = s
	default:
		st = store.NewMemStore[AgentState]()
	}

	o := &Orchestrator{
		cfg: cfg,
		nodes: &Nodes{
			LLM:       completers,
			Validator: validator,
			Config:    cfg,
			Tracker:   graph.NewCostTracker(),
		},
		st:       st,
		buffered: emit.NewBufferedEmitter(0),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.nodes.Metrics = o.metrics

	if o.nodes.MCP == nil {
		o.nodes.MCP = mcp.NewClient(cfg.MCP.RegistryURL,
			mcp.WithConcurrency(cfg.MCP.Concurrency),
			mcp.WithCallTimeout(cfg.CallTimeout()),
			mcp.WithMetrics(o.metrics),
		)
	}
	return o, nil
}

// Run executes one request to completion and returns the answer with
// the visit log, the final normalized tool results, and usage. Budget
// exhaustion and repeated node failures come back as an explanatory
// answer, not an error; only fatal conditions (bad graph, persistence
// failure, cancellation) return err with an empty answer.
func (o *Orchestrator) Run(ctx context.Context, userRequest string, flags RequestFlags) (FinalResult, error) {
	runID := newRunID()
	result := FinalResult{RunID: runID}

	flags = o.effectiveFlags(flags)
	eng, tracker, err := o.buildEngine(flags)
	if err != nil {
		return result, err
	}

	initial := AgentState{
		UserRequest: userRequest,
		Flags:       flags,
	}

	final, runErr := eng.Run(ctx, runID, initial)
	result.Visits = o.visits(runID)
	result.ToolResults = final.ToolResults
	result.Usage = tracker.Summary()
	result.CostUSD = tracker.TotalUSD()

	switch {
	case runErr == nil:
		o.metrics.IncRun("ok")
		result.FinalAnswer = final.FinalAnswer
		return result, nil

	case errors.Is(runErr, graph.ErrMaxStepsExceeded):
		o.metrics.IncRun("budget_exhausted")
		result.FinalAnswer = final.FinalAnswer
		if result.FinalAnswer == "" {
			result.FinalAnswer = budgetExhaustedAnswer(final)
		}
		return result, nil

	case errors.Is(runErr, graph.ErrMaxAttemptsExceeded):
		var nodeErr *graph.NodeError
		node := "a workflow node"
		if errors.As(runErr, &nodeErr) {
			node = nodeErr.NodeID
		}
		o.metrics.IncRun("node_failed")
		result.FinalAnswer = fmt.Sprintf(
			"I could not answer the request: %s kept failing after retries (%v).", node, runErr)
		return result, nil

	default:
		o.metrics.IncRun("fatal")
		return result, runErr
	}
}

// effectiveFlags merges the configured feature toggles into the
// per-request flags. Either side can disable a stage; a request cannot
// re-enable what the configuration turned off.
func (o *Orchestrator) effectiveFlags(flags RequestFlags) RequestFlags {
	f := o.cfg.Features
	flags.DisableDatabases = flags.DisableDatabases || f.DisableDatabases
	flags.DisablePromptStage = flags.DisablePromptStage || f.DisablePromptStage
	flags.DisableResponseStage = flags.DisableResponseStage || f.DisableResponseStage
	return flags
}

// History returns the retained events for a run.
func (o *Orchestrator) History(runID string) []emit.Event {
	return o.buffered.History(runID)
}

// Store exposes run persistence for replay tooling.
func (o *Orchestrator) Store() store.Store[AgentState] { return o.st }

// buildEngine wires a per-run engine. Usage tracking is per run, so the
// node set is shallow-copied with a fresh tracker.
func (o *Orchestrator) buildEngine(flags RequestFlags) (*graph.Engine[AgentState], *graph.CostTracker, error) {
	maxSteps := o.cfg.Iteration.MaxSteps
	if flags.MaxSteps > 0 {
		maxSteps = flags.MaxSteps
	}

	var sink emit.Emitter = o.buffered
	if o.emitter != nil {
		sink = emit.Multi{o.buffered, o.emitter}
	}

	eng, err := graph.New(Reduce, o.st, sink, graph.Options{
		MaxSteps:           maxSteps,
		DefaultNodeTimeout: defaultNodeTimeout,
		Metrics:            o.metrics,
	})
	if err != nil {
		return nil, nil, err
	}

	runNodes := *o.nodes
	runNodes.Tracker = graph.NewCostTracker()
	n := &runNodes
	for id, node := range map[string]graph.NodeFunc[AgentState]{
		NodeInitialize:         n.Initialize(),
		NodeDiscoverServices:   n.DiscoverServices(),
		NodeAnalyzeRequest:     n.AnalyzeRequest(),
		NodeExecuteToolCalls:   n.ExecuteToolCalls(),
		NodeSynthesize:         n.Synthesize(),
		NodeCapabilityCheck:    n.CapabilityCheck(),
		NodePlanRefinedQueries: n.PlanRefinedQueries(),
		NodeGenerateSQL:        n.GenerateSQL(),
		NodeValidateSQL:        n.ValidateSQL(),
		NodeExecuteSQL:         n.ExecuteSQL(),
		NodeRefineSQL:          n.RefineSQL(),
		NodeWiderSearch:        n.WiderSearch(),
		NodeGenerateAnswer:     n.GenerateAnswer(),
		NodeGenerateFailure:    n.GenerateFailure(),
	} {
		if err := eng.Add(id, node); err != nil {
			return nil, nil, err
		}
	}

	type branchDef struct {
		from     string
		sel      graph.Selector[AgentState]
		branches map[string]string
	}
	wiring := []branchDef{
		{NodeDiscoverServices, afterDiscover, map[string]string{
			branchAnalyze: NodeAnalyzeRequest,
			branchFail:    NodeGenerateFailure,
		}},
		{NodeAnalyzeRequest, afterAnalyze, map[string]string{
			branchExecute: NodeExecuteToolCalls,
			branchAnswer:  NodeGenerateAnswer,
			branchFail:    NodeGenerateFailure,
		}},
		{NodeExecuteToolCalls, afterExecute, map[string]string{
			branchSQL:        NodeGenerateSQL,
			branchSynthesize: NodeSynthesize,
		}},
		{NodeGenerateSQL, afterGenerateSQL, map[string]string{
			branchValidate:   NodeValidateSQL,
			branchSynthesize: NodeSynthesize,
		}},
		{NodeValidateSQL, afterValidateSQL, map[string]string{
			branchExecute:    NodeExecuteSQL,
			branchRefine:     NodeRefineSQL,
			branchSynthesize: NodeSynthesize,
			branchFail:       NodeGenerateFailure,
		}},
		{NodeExecuteSQL, afterExecuteSQL, map[string]string{
			branchSynthesize: NodeSynthesize,
			branchWider:      NodeWiderSearch,
			branchRefine:     NodeRefineSQL,
			branchFail:       NodeGenerateFailure,
		}},
		{NodeRefineSQL, afterReviseSQL, map[string]string{
			branchValidate:   NodeValidateSQL,
			branchSynthesize: NodeSynthesize,
		}},
		{NodeWiderSearch, afterReviseSQL, map[string]string{
			branchValidate:   NodeValidateSQL,
			branchSynthesize: NodeSynthesize,
		}},
		{NodeCapabilityCheck, afterCapability, map[string]string{
			branchAnswer: NodeGenerateAnswer,
			branchRefine: NodePlanRefinedQueries,
			branchFail:   NodeGenerateFailure,
		}},
	}
	for _, b := range wiring {
		if err := eng.ConnectBranches(b.from, b.sel, b.branches); err != nil {
			return nil, nil, err
		}
	}

	for _, e := range [][2]string{
		{NodeInitialize, NodeDiscoverServices},
		{NodeSynthesize, NodeCapabilityCheck},
		{NodePlanRefinedQueries, NodeExecuteToolCalls},
		{NodeGenerateAnswer, graph.End},
		{NodeGenerateFailure, graph.End},
	} {
		if err := eng.Connect(e[0], e[1], nil); err != nil {
			return nil, nil, err
		}
	}

	if err := eng.StartAt(NodeInitialize); err != nil {
		return nil, nil, err
	}
	return eng, runNodes.Tracker, nil
}

func (o *Orchestrator) visits(runID string) []NodeVisit {
	events := o.buffered.HistoryFiltered(runID, emit.HistoryFilter{Msg: "node completed"})
	visits := make([]NodeVisit, 0, len(events))
	for _, ev := range events {
		v := NodeVisit{Node: ev.NodeID, Step: ev.Step}
		if ms, ok := ev.Meta["duration_ms"].(int64); ok {
			v.DurationMS = ms
		}
		switch attempts := ev.Meta["attempts"].(type) {
		case int:
			v.Attempts = attempts
		case int64:
			v.Attempts = int(attempts)
		}
		visits = append(visits, v)
	}
	return visits
}

func budgetExhaustedAnswer(s AgentState) string {
	msg := fmt.Sprintf(
		"Request aborted: the step budget of %d node visits was exhausted before an answer was reached.",
		s.MaxSteps)
	if s.LastError != "" {
		msg += " Last error: " + s.LastError + "."
	}
	return msg
}

func newRunID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return "run-" + hex.EncodeToString(b[:])
}
