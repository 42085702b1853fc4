package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/ragflow-go/graph"
	"github.com/dshills/ragflow-go/llm"
	"github.com/dshills/ragflow-go/mcp"
	"github.com/dshills/ragflow-go/normalize"
	"github.com/dshills/ragflow-go/security"
)

// sqlRetryCap bounds refinement rounds (refine_sql plus wider_search)
// per request.
const sqlRetryCap = 3

// sqlCall returns the first planned call that targets a SQL service.
func sqlCall(s AgentState) (mcp.ToolCall, bool) {
	for _, call := range s.PlannedToolCalls {
		if serviceKind(s, call.ServiceID) == mcp.KindSQL {
			return call, true
		}
	}
	return mcp.ToolCall{}, false
}

func hasSQLCall(s AgentState) bool {
	_, ok := sqlCall(s)
	return ok
}

// GenerateSQL produces the initial query from the request and the
// service's schema. Schema retrieval is best-effort; generation without
// it is worse, not wrong.
func (n *Nodes) GenerateSQL() graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		call, ok := sqlCall(s)
		if !ok {
			return graph.NodeResult[AgentState]{Delta: AgentState{
				SQLStage:  SQLStageDone,
				SQLErrors: &SQLError{Kind: SQLErrGeneration, Message: "no SQL service call planned"},
			}}
		}

		var dbSchema string
		if raw, err := n.MCP.Invoke(ctx, mcp.ToolCall{ServiceID: call.ServiceID, Action: "get_schema"}); err == nil {
			if schemaText, ok := raw.Payload["schema"].(string); ok {
				dbSchema = schemaText
			}
		}

		query, err := n.completeSQL(ctx, generateSQLSystem, generateSQLPrompt(s, dbSchema))
		if err != nil {
			if llmTransient(err) {
				return graph.NodeResult[AgentState]{Err: err}
			}
			return graph.NodeResult[AgentState]{Delta: AgentState{
				SQLStage:  SQLStageDone,
				SQLErrors: &SQLError{Kind: SQLErrGeneration, Message: err.Error()},
				LastError: "generation_error: " + err.Error(),
			}}
		}
		return graph.NodeResult[AgentState]{Delta: AgentState{
			SQLQuery:  query,
			QueryType: QueryInitial,
			SQLValid:  TriUnknown,
			SQLErrors: &SQLError{},
		}}
	}
}

// ValidateSQL applies the safety gate to the current query.
func (n *Nodes) ValidateSQL() graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		validator := n.Validator
		if validator == nil {
			validator = &security.Validator{}
		}
		if s.Flags.DisableSQLBlocking && !validator.DisableBlocking {
			v := *validator
			v.DisableBlocking = true
			validator = &v
		}

		verdict := validator.Validate(ctx, s.SQLQuery)
		if verdict.Safe {
			return graph.NodeResult[AgentState]{Delta: AgentState{
				SQLValid:  TriYes,
				SQLErrors: &SQLError{},
			}}
		}
		detail := string(verdict.Reason)
		if verdict.Detail != "" {
			detail += ": " + verdict.Detail
		}
		return graph.NodeResult[AgentState]{Delta: AgentState{
			SQLValid:  TriNo,
			SQLErrors: &SQLError{Kind: SQLErrValidation, Message: detail},
			LastError: "validation_error: " + detail,
		}}
	}
}

// ExecuteSQL submits the validated query. Outcomes drive routing:
// success appends the normalized rows, empty result sets trigger a wider
// search, table/column-not-found errors are recoverable by refinement,
// anything else ends the subgraph with the error recorded.
func (n *Nodes) ExecuteSQL() graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		call, ok := sqlCall(s)
		if !ok {
			return graph.NodeResult[AgentState]{Delta: AgentState{
				SQLStage:   SQLStageDone,
				SQLOutcome: SQLOutcomeFatal,
				SQLErrors:  &SQLError{Kind: SQLErrExecution, Message: "no SQL service call planned"},
			}}
		}
		action := call.Action
		if action == "" {
			action = "query"
		}

		raw, err := n.MCP.Invoke(ctx, mcp.ToolCall{
			ServiceID:  call.ServiceID,
			Action:     action,
			Parameters: map[string]any{"query": s.SQLQuery},
		})
		if err != nil {
			var toolErr *mcp.ToolError
			if errors.As(err, &toolErr) {
				if recoverableSQLError(toolErr.Message) {
					return graph.NodeResult[AgentState]{Delta: AgentState{
						SQLOutcome: SQLOutcomeRecoverable,
						SQLErrors:  &SQLError{Kind: SQLErrExecution, Message: toolErr.Message},
						LastError:  "execution_error: " + toolErr.Message,
					}}
				}
				return graph.NodeResult[AgentState]{Delta: AgentState{
					SQLStage:    SQLStageDone,
					SQLOutcome:  SQLOutcomeFatal,
					SQLErrors:   &SQLError{Kind: SQLErrExecution, Message: toolErr.Message},
					LastError:   "execution_error: " + toolErr.Message,
					ToolResults: []normalize.Document{normalize.ErrorDocument(call.ServiceID, toolErr)},
				}}
			}
			// Transport-level failure: let the driver's retry policy
			// handle it.
			return graph.NodeResult[AgentState]{Err: err}
		}

		if emptyRows(raw.Payload) {
			return graph.NodeResult[AgentState]{Delta: AgentState{SQLOutcome: SQLOutcomeEmpty}}
		}

		docs := normalize.FromPayload(call.ServiceID, normalize.KindSQL, call.Parameters, raw.Payload,
			normalize.Options{KeepRaw: true})
		return graph.NodeResult[AgentState]{Delta: AgentState{
			SQLOutcome:  SQLOutcomeOK,
			SQLStage:    SQLStageDone,
			SQLErrors:   &SQLError{},
			ToolResults: docs,
		}}
	}
}

// RefineSQL asks for a corrected query given the failure and the history
// of attempts. A repeated or empty proposal counts as a generation
// failure so the subgraph can never loop on an identical query.
func (n *Nodes) RefineSQL() graph.NodeFunc[AgentState] {
	return n.reviseSQL(NodeRefineSQL, refineSQLSystem, refineSQLPrompt, QueryRefined)
}

// WiderSearch asks for a broader variant after an empty result set.
func (n *Nodes) WiderSearch() graph.NodeFunc[AgentState] {
	return n.reviseSQL(NodeWiderSearch, widerSearchSystem, widerSearchPrompt, QueryWiderSearch)
}

func (n *Nodes) reviseSQL(nodeID, system string, prompt func(AgentState) string, qt QueryType) graph.NodeFunc[AgentState] {
	return func(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
		attempts := map[string]int{nodeID: s.RetryCounts[nodeID] + 1}

		query, err := n.completeSQL(ctx, system, prompt(s))
		if err != nil {
			if llmTransient(err) {
				return graph.NodeResult[AgentState]{Err: err}
			}
			return graph.NodeResult[AgentState]{Delta: AgentState{
				RetryCounts: attempts,
				SQLStage:    SQLStageDone,
				SQLErrors:   &SQLError{Kind: SQLErrGeneration, Message: err.Error()},
				LastError:   "generation_error: " + err.Error(),
			}}
		}
		if query == s.SQLQuery || containsQuery(s.PreviousSQLQueries, query) {
			msg := "model repeated a previously tried query"
			return graph.NodeResult[AgentState]{Delta: AgentState{
				RetryCounts: attempts,
				SQLStage:    SQLStageDone,
				SQLErrors:   &SQLError{Kind: SQLErrGeneration, Message: msg},
				LastError:   "generation_error: " + msg,
			}}
		}

		return graph.NodeResult[AgentState]{Delta: AgentState{
			RetryCounts:        attempts,
			PreviousSQLQueries: []string{s.SQLQuery},
			SQLQuery:           query,
			QueryType:          qt,
			SQLValid:           TriUnknown,
			SQLErrors:          &SQLError{},
		}}
	}
}

// completeSQL runs a SQL-writing completion and extracts the query.
func (n *Nodes) completeSQL(ctx context.Context, system, user string) (string, error) {
	resp, err := n.complete(ctx, llm.RoleSQL, llm.Request{
		System: system,
		User:   user,
		Schema: sqlSchema,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		Query string `json:"query"`
	}
	if err := decodeInto(resp.Text, &out); err != nil {
		// Unstructured providers may return the bare query.
		if q := stripSQLFences(resp.Text); looksLikeSQL(q) {
			return q, nil
		}
		return "", err
	}
	query := stripSQLFences(out.Query)
	if query == "" {
		return "", fmt.Errorf("%w: empty query", llm.ErrBadResponse)
	}
	return query, nil
}

func llmTransient(err error) bool {
	return graph.IsTransient(err)
}

// recoverableSQLError matches error classes where a rewritten query can
// plausibly succeed.
func recoverableSQLError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{
		"undefined table",
		"undefined column",
		"does not exist",
		"no such table",
		"no such column",
		"unknown table",
		"unknown column",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func emptyRows(payload map[string]any) bool {
	rows, ok := payload["rows"].([]any)
	return ok && len(rows) == 0
}

func containsQuery(history []string, query string) bool {
	for _, q := range history {
		if q == query {
			return true
		}
	}
	return false
}

func stripSQLFences(text string) string {
	out := strings.TrimSpace(text)
	if strings.HasPrefix(out, "```") {
		out = strings.TrimPrefix(out, "```sql")
		out = strings.TrimPrefix(out, "```")
		if i := strings.Index(out, "```"); i >= 0 {
			out = out[:i]
		}
	}
	return strings.TrimSpace(out)
}

func looksLikeSQL(query string) bool {
	upper := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}
