package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/ragflow-go/config"
	"github.com/dshills/ragflow-go/graph"
	"github.com/dshills/ragflow-go/llm"
	"github.com/dshills/ragflow-go/mcp"
	"github.com/dshills/ragflow-go/normalize"
	"github.com/dshills/ragflow-go/security"
)

// Node IDs.
const (
	NodeInitialize         = "initialize"
	NodeDiscoverServices   = "discover_services"
	NodeAnalyzeRequest     = "analyze_request"
	NodeExecuteToolCalls   = "execute_tool_calls"
	NodeSynthesize         = "synthesize"
	NodeCapabilityCheck    = "capability_check"
	NodePlanRefinedQueries = "plan_refined_queries"
	NodeGenerateSQL        = "generate_sql"
	NodeValidateSQL        = "validate_sql"
	NodeExecuteSQL         = "execute_sql"
	NodeRefineSQL          = "refine_sql"
	NodeWiderSearch        = "wider_search"
	NodeGenerateAnswer     = "generate_answer"
	NodeGenerateFailure    = "generate_failure"
)

// Invoker is the slice of the MCP client the nodes use. *mcp.Client
// satisfies it; tests substitute fakes.
type Invoker interface {
	Discover(ctx context.Context) (map[string]mcp.Service, error)
	Invoke(ctx context.Context, call mcp.ToolCall) (mcp.RawResult, error)
	InvokeMany(ctx context.Context, calls []mcp.ToolCall) []mcp.BatchResult
}

// Nodes bundles the dependencies the workflow nodes close over.
type Nodes struct {
	MCP       Invoker
	LLM       map[llm.Role]llm.Completer
	Validator *security.Validator
	Config    *config.Config
	Tracker   *graph.CostTracker
	Metrics   *graph.Metrics
}

// complete routes a request to the completer wired for role (analyzer is
// the fallback) and records usage.
func (n *Nodes) complete(ctx context.Context, role llm.Role, req llm.Request) (llm.Response, error) {
	c, ok := n.LLM[role]
	if !ok {
		c, ok = n.LLM[llm.RoleAnalyzer]
	}
	if !ok {
		return llm.Response{}, fmt.Errorf("no completer wired for role %q", role)
	}
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return llm.Response{}, err
	}
	n.Tracker.Add(c.Model(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	n.Metrics.AddLLMTokens(c.Model(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

// decodeInto parses a completion as JSON, recovering the object from
// surrounding prose or markdown fences when the provider did not enforce
// structured output.
func decodeInto(text string, v any) error {
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	obj := llm.ExtractJSONObject(text)
	if obj == "" {
		return fmt.Errorf("%w: no JSON object in completion", llm.ErrBadResponse)
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("%w: %v", llm.ErrBadResponse, err)
	}
	return nil
}

// Initialize seeds the budgets and clears transient fields.
func (n *Nodes) Initialize() graph.NodeFunc[AgentState] {
	return func(_ context.Context, s AgentState) graph.NodeResult[AgentState] {
		maxIter := n.Config.Iteration.MaxIterations
		if s.Flags.MaxIterations != nil {
			maxIter = *s.Flags.MaxIterations
		}
		maxSteps := n.Config.Iteration.MaxSteps
		if s.Flags.MaxSteps > 0 {
			maxSteps = s.Flags.MaxSteps
		}
		return graph.NodeResult[AgentState]{Delta: AgentState{
			MaxIterations:      maxIter,
			MaxSteps:           maxSteps,
			CanAnswer:          TriUnknown,
			AnswerableDirectly: TriUnknown,
			SQLValid:           TriUnknown,
			SQLStage:           SQLStagePending,
			SQLErrors:          &SQLError{},
		}}
	}
}

// DiscoverServices queries the registry. Unreachability is recorded in
// state, not raised: routing decides what it means.
func (n *Nodes) DiscoverServices() graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		services, err := n.MCP.Discover(ctx)
		if err != nil {
			return graph.NodeResult[AgentState]{Delta: AgentState{
				DiscoveryFailed: true,
				LastError:       "registry_unavailable: " + err.Error(),
			}}
		}
		return graph.NodeResult[AgentState]{Delta: AgentState{DiscoveredServices: services}}
	}
}

// AnalyzeRequest plans tool calls. With the prompt stage disabled it
// falls back to one deterministic call per retrieval-capable service.
func (n *Nodes) AnalyzeRequest() graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		if s.Flags.DisablePromptStage {
			return graph.NodeResult[AgentState]{Delta: AgentState{
				PlannedToolCalls:   heuristicPlan(s),
				AnswerableDirectly: TriNo,
			}}
		}

		resp, err := n.complete(ctx, llm.RoleAnalyzer, llm.Request{
			System: analyzeSystem,
			User:   analyzePrompt(s),
			Schema: analyzeSchema,
		})
		if err != nil {
			return graph.NodeResult[AgentState]{Err: err}
		}

		var plan struct {
			Calls []struct {
				ServiceID  string         `json:"service_id"`
				Action     string         `json:"action"`
				Parameters map[string]any `json:"parameters"`
			} `json:"planned_tool_calls"`
			Direct bool `json:"is_final_answer_possible_without_tools"`
		}
		if err := decodeInto(resp.Text, &plan); err != nil {
			return graph.NodeResult[AgentState]{Err: err}
		}

		// Ground the plan: drop calls against services that were never
		// discovered.
		calls := make([]mcp.ToolCall, 0, len(plan.Calls))
		for _, c := range plan.Calls {
			if _, ok := s.DiscoveredServices[c.ServiceID]; !ok {
				continue
			}
			calls = append(calls, mcp.ToolCall{
				ServiceID:  c.ServiceID,
				Action:     c.Action,
				Parameters: c.Parameters,
			})
		}

		direct := TriNo
		if plan.Direct {
			direct = TriYes
		}
		return graph.NodeResult[AgentState]{Delta: AgentState{
			PlannedToolCalls:   calls,
			AnswerableDirectly: direct,
		}}
	}
}

// heuristicPlan targets every search and RAG service with the raw user
// request.
func heuristicPlan(s AgentState) []mcp.ToolCall {
	calls := []mcp.ToolCall{}
	for _, id := range sortedServiceIDs(s.DiscoveredServices) {
		svc := s.DiscoveredServices[id]
		switch svc.Kind {
		case mcp.KindSearch:
			calls = append(calls, mcp.ToolCall{
				ServiceID:  id,
				Action:     "search",
				Parameters: map[string]any{"query": s.UserRequest},
			})
		case mcp.KindRAG:
			calls = append(calls, mcp.ToolCall{
				ServiceID:  id,
				Action:     "query",
				Parameters: map[string]any{"query": s.UserRequest},
			})
		}
	}
	return calls
}

// ExecuteToolCalls fans out the planned calls (SQL calls excluded: they
// go through the validated subgraph) and appends one or more normalized
// documents per call, in call order. Individual failures become error
// documents; the node itself never fails on a tool error.
func (n *Nodes) ExecuteToolCalls() graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		calls := make([]mcp.ToolCall, 0, len(s.PlannedToolCalls))
		for _, call := range s.PlannedToolCalls {
			if serviceKind(s, call.ServiceID) == mcp.KindSQL {
				continue
			}
			calls = append(calls, call)
		}
		if len(calls) == 0 {
			return graph.NodeResult[AgentState]{}
		}

		opts := normalize.Options{
			SplitSearchHits: n.Config.Features.SplitSearchHits,
			KeepRaw:         true,
		}

		var delta AgentState
		for _, br := range n.MCP.InvokeMany(ctx, calls) {
			if br.Err != nil {
				delta.ToolResults = append(delta.ToolResults, normalize.ErrorDocument(br.Call.ServiceID, br.Err))
				delta.LastError = "tool_error: " + br.Err.Error()
				continue
			}
			kind := normalize.Kind(serviceKind(s, br.Call.ServiceID))
			docs := normalize.FromPayload(br.Call.ServiceID, kind, br.Call.Parameters, br.Raw.Payload, opts)
			delta.ToolResults = append(delta.ToolResults, docs...)
		}
		return graph.NodeResult[AgentState]{Delta: delta}
	}
}

func serviceKind(s AgentState, serviceID string) mcp.ServiceKind {
	if svc, ok := s.DiscoveredServices[serviceID]; ok {
		return svc.Kind
	}
	return mcp.KindOther
}

// Synthesize composes the retrieved documents into context for the
// answer stage: an LLM summary when the response stage is enabled, a
// stable concatenation otherwise. An LLM failure degrades to the
// concatenation instead of failing the run.
func (n *Nodes) Synthesize() graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		useLLM := !s.Flags.DisableResponseStage || n.Config.Features.ReturnToolResultsToLLM
		if useLLM && len(s.ToolResults) > 0 {
			resp, err := n.complete(ctx, llm.RoleSynthesizer, llm.Request{
				System: synthesizeSystem,
				User:   synthesizePrompt(s),
			})
			if err == nil && resp.Text != "" {
				return graph.NodeResult[AgentState]{Delta: AgentState{SynthesizedContext: resp.Text}}
			}
		}
		return graph.NodeResult[AgentState]{Delta: AgentState{
			SynthesizedContext: concatDocuments(s.ToolResults),
		}}
	}
}

// CapabilityCheck asks whether the gathered context suffices.
func (n *Nodes) CapabilityCheck() graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		resp, err := n.complete(ctx, llm.RoleAnswerer, llm.Request{
			System: capabilitySystem,
			User:   capabilityPrompt(s),
			Schema: capabilitySchema,
		})
		if err != nil {
			return graph.NodeResult[AgentState]{Err: err}
		}
		var verdict struct {
			CanAnswer bool `json:"can_answer"`
		}
		if err := decodeInto(resp.Text, &verdict); err != nil {
			return graph.NodeResult[AgentState]{Err: err}
		}
		answer := TriNo
		if verdict.CanAnswer {
			answer = TriYes
		}
		return graph.NodeResult[AgentState]{Delta: AgentState{CanAnswer: answer}}
	}
}

// PlanRefinedQueries proposes a new plan informed by what already ran,
// advances the iteration counter, and re-opens the SQL stage.
func (n *Nodes) PlanRefinedQueries() graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		resp, err := n.complete(ctx, llm.RoleAnalyzer, llm.Request{
			System: refinePlanSystem,
			User:   refinePlanPrompt(s),
			Schema: analyzeSchema,
		})
		if err != nil {
			return graph.NodeResult[AgentState]{Err: err}
		}
		var plan struct {
			Calls []struct {
				ServiceID  string         `json:"service_id"`
				Action     string         `json:"action"`
				Parameters map[string]any `json:"parameters"`
			} `json:"planned_tool_calls"`
		}
		if err := decodeInto(resp.Text, &plan); err != nil {
			return graph.NodeResult[AgentState]{Err: err}
		}
		calls := make([]mcp.ToolCall, 0, len(plan.Calls))
		for _, c := range plan.Calls {
			if _, ok := s.DiscoveredServices[c.ServiceID]; !ok {
				continue
			}
			calls = append(calls, mcp.ToolCall{
				ServiceID:  c.ServiceID,
				Action:     c.Action,
				Parameters: c.Parameters,
			})
		}
		return graph.NodeResult[AgentState]{Delta: AgentState{
			PlannedToolCalls: calls,
			IterationCount:   s.IterationCount + 1,
			CanAnswer:        TriUnknown,
			SQLStage:         SQLStagePending,
			SQLValid:         TriUnknown,
			SQLErrors:        &SQLError{},
		}}
	}
}

// GenerateAnswer turns the context into the final answer.
func (n *Nodes) GenerateAnswer() graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		resp, err := n.complete(ctx, llm.RoleAnswerer, llm.Request{
			System: answerSystem,
			User:   answerPrompt(s),
		})
		if err != nil {
			return graph.NodeResult[AgentState]{Err: err}
		}
		return graph.NodeResult[AgentState]{Delta: AgentState{FinalAnswer: resp.Text}}
	}
}

// GenerateFailure writes the deterministic failure explanation.
func (n *Nodes) GenerateFailure() graph.NodeFunc[AgentState] {
	return func(_ context.Context, s AgentState) graph.NodeResult[AgentState] {
		return graph.NodeResult[AgentState]{Delta: AgentState{FinalAnswer: failureMessage(s)}}
	}
}
