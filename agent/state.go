// Package agent builds and runs the retrieval workflow: discover tool
// services, plan and execute calls, validate generated SQL, synthesize
// retrieved context, and answer — all as nodes on the graph engine.
package agent

import (
	"github.com/dshills/ragflow-go/mcp"
	"github.com/dshills/ragflow-go/normalize"
)

// Tristate is a yes/no answer that can also be undecided. The zero value
// means "unset" in a delta so the reducer can tell silence from a
// decision.
type Tristate string

const (
	TriUnknown Tristate = "unknown"
	TriYes     Tristate = "yes"
	TriNo      Tristate = "no"
)

// QueryType records how the current SQL query was produced.
type QueryType string

const (
	QueryInitial     QueryType = "initial"
	QueryWiderSearch QueryType = "wider_search"
	QueryRefined     QueryType = "refined"
)

// SQLErrorKind tags the origin of a SQL failure.
type SQLErrorKind string

const (
	SQLErrValidation SQLErrorKind = "validation_error"
	SQLErrExecution  SQLErrorKind = "execution_error"
	SQLErrGeneration SQLErrorKind = "generation_error"
)

// SQLError is the current SQL failure, if any. A delta carrying a
// zero-kind SQLError clears the field.
type SQLError struct {
	Kind    SQLErrorKind `json:"kind"`
	Message string       `json:"message"`
}

// SQL outcome values written by execute_sql.
const (
	SQLOutcomeOK          = "ok"
	SQLOutcomeEmpty       = "empty"
	SQLOutcomeRecoverable = "recoverable"
	SQLOutcomeFatal       = "fatal"
)

// SQL stage values tracking the subgraph across refinement iterations.
const (
	SQLStagePending = "pending"
	SQLStageDone    = "done"
)

// RequestFlags is the per-request tuning surface. Zero values defer to
// configuration; MaxIterations is a pointer so an explicit zero is
// distinguishable from unset.
type RequestFlags struct {
	DisableSQLBlocking   bool `json:"disable_sql_blocking,omitempty"`
	DisableDatabases     bool `json:"disable_databases,omitempty"`
	DisablePromptStage   bool `json:"disable_prompt_stage,omitempty"`
	DisableResponseStage bool `json:"disable_response_stage,omitempty"`
	MaxIterations        *int `json:"max_iterations,omitempty"`
	MaxSteps             int  `json:"max_steps,omitempty"`
}

// AgentState is the single record threaded through the workflow. Nodes
// receive a snapshot and return partial states; Reduce merges them.
type AgentState struct {
	UserRequest string `json:"user_request"`

	IterationCount int `json:"iteration_count"`
	MaxIterations  int `json:"max_iterations"`
	StepCount      int `json:"step_count"`
	MaxSteps       int `json:"max_steps"`

	DiscoveredServices map[string]mcp.Service `json:"discovered_services,omitempty"`
	DiscoveryFailed    bool                   `json:"discovery_failed,omitempty"`

	PlannedToolCalls []mcp.ToolCall       `json:"planned_tool_calls,omitempty"`
	ToolResults      []normalize.Document `json:"tool_results,omitempty"`

	PreviousSQLQueries []string  `json:"previous_sql_queries,omitempty"`
	SQLQuery           string    `json:"sql_query,omitempty"`
	SQLErrors          *SQLError `json:"sql_errors,omitempty"`
	QueryType          QueryType `json:"query_type,omitempty"`
	SQLValid           Tristate  `json:"sql_valid,omitempty"`
	SQLOutcome         string    `json:"sql_outcome,omitempty"`
	SQLStage           string    `json:"sql_stage,omitempty"`

	SynthesizedContext string   `json:"synthesized_context,omitempty"`
	CanAnswer          Tristate `json:"can_answer,omitempty"`
	AnswerableDirectly Tristate `json:"answerable_directly,omitempty"`
	FinalAnswer        string   `json:"final_answer,omitempty"`

	Flags       RequestFlags   `json:"flags"`
	RetryCounts map[string]int `json:"retry_counts,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// Reduce merges a node's delta into the previous state. Scalars replace
// when the delta carries a non-zero value; sequences append; counters
// take the maximum so replays stay idempotent. StepCount advances once
// per merge.
func Reduce(prev, delta AgentState) AgentState {
	next := prev
	next.StepCount = prev.StepCount + 1

	if next.UserRequest == "" {
		next.UserRequest = delta.UserRequest
	}
	if delta.IterationCount > next.IterationCount {
		next.IterationCount = delta.IterationCount
	}
	if delta.MaxIterations != 0 {
		next.MaxIterations = delta.MaxIterations
	}
	if delta.MaxSteps != 0 {
		next.MaxSteps = delta.MaxSteps
	}

	// Discovery results are written exactly once.
	if next.DiscoveredServices == nil && delta.DiscoveredServices != nil {
		next.DiscoveredServices = delta.DiscoveredServices
	}
	next.DiscoveryFailed = next.DiscoveryFailed || delta.DiscoveryFailed

	if delta.PlannedToolCalls != nil {
		next.PlannedToolCalls = delta.PlannedToolCalls
	}
	if len(delta.ToolResults) > 0 {
		next.ToolResults = append(next.ToolResults[:len(next.ToolResults):len(next.ToolResults)], delta.ToolResults...)
	}

	for _, q := range delta.PreviousSQLQueries {
		if q != "" {
			next.PreviousSQLQueries = append(next.PreviousSQLQueries[:len(next.PreviousSQLQueries):len(next.PreviousSQLQueries)], q)
		}
	}
	if delta.SQLQuery != "" {
		next.SQLQuery = delta.SQLQuery
	}
	if delta.SQLErrors != nil {
		if delta.SQLErrors.Kind == "" {
			next.SQLErrors = nil
		} else {
			e := *delta.SQLErrors
			next.SQLErrors = &e
		}
	}
	if delta.QueryType != "" {
		next.QueryType = delta.QueryType
	}
	if delta.SQLValid != "" {
		next.SQLValid = delta.SQLValid
	}
	if delta.SQLOutcome != "" {
		next.SQLOutcome = delta.SQLOutcome
	}
	if delta.SQLStage != "" {
		next.SQLStage = delta.SQLStage
	}

	if delta.SynthesizedContext != "" {
		next.SynthesizedContext = delta.SynthesizedContext
	}
	if delta.CanAnswer != "" {
		next.CanAnswer = delta.CanAnswer
	}
	if delta.AnswerableDirectly != "" {
		next.AnswerableDirectly = delta.AnswerableDirectly
	}
	// The final answer is written once.
	if next.FinalAnswer == "" && delta.FinalAnswer != "" {
		next.FinalAnswer = delta.FinalAnswer
	}

	if prev.Flags == (RequestFlags{}) && delta.Flags != (RequestFlags{}) {
		next.Flags = delta.Flags
	}
	if len(delta.RetryCounts) > 0 {
		merged := make(map[string]int, len(next.RetryCounts)+len(delta.RetryCounts))
		for k, v := range next.RetryCounts {
			merged[k] = v
		}
		for k, v := range delta.RetryCounts {
			if v > merged[k] {
				merged[k] = v
			}
		}
		next.RetryCounts = merged
	}
	if delta.LastError != "" {
		next.LastError = delta.LastError
	}
	return next
}

// sqlAttempts counts refinement rounds spent on the current request.
func sqlAttempts(s AgentState) int {
	return s.RetryCounts[NodeRefineSQL] + s.RetryCounts[NodeWiderSearch]
}
