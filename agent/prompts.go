package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/ragflow-go/llm"
	"github.com/dshills/ragflow-go/mcp"
	"github.com/dshills/ragflow-go/normalize"
)

const analyzeSystem = `You plan tool usage for a retrieval agent. Given a user
request and the available tool services, decide which calls would gather the
information needed, or whether the request can be answered without tools.
Only plan calls against listed services.`

var analyzeSchema = &llm.Schema{
	Name: "tool_plan",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"planned_tool_calls": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"service_id": map[string]any{"type": "string"},
						"action":     map[string]any{"type": "string"},
						"parameters": map[string]any{"type": "object"},
					},
					"required": []any{"service_id", "action"},
				},
			},
			"is_final_answer_possible_without_tools": map[string]any{"type": "boolean"},
		},
		"required": []any{"planned_tool_calls", "is_final_answer_possible_without_tools"},
	},
}

func analyzePrompt(s AgentState) string {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(s.UserRequest)
	sb.WriteString("\n\nAvailable services:\n")
	if len(s.DiscoveredServices) == 0 {
		sb.WriteString("(none)\n")
	} else {
		for _, id := range sortedServiceIDs(s.DiscoveredServices) {
			svc := s.DiscoveredServices[id]
			fmt.Fprintf(&sb, "- %s (kind=%s)", id, svc.Kind)
			if len(svc.ToolSchema) > 0 {
				fmt.Fprintf(&sb, " schema=%v", svc.ToolSchema)
			}
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("\nPlan the tool calls, or report that the request is answerable directly.")
	return sb.String()
}

const synthesizeSystem = `You compress retrieved documents into the context an
answering model will use. Preserve facts, figures and source attributions;
drop boilerplate. Do not answer the user's question yourself.`

func synthesizePrompt(s AgentState) string {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(s.UserRequest)
	sb.WriteString("\n\nRetrieved documents:\n\n")
	sb.WriteString(concatDocuments(s.ToolResults))
	return sb.String()
}

// concatDocuments renders documents in the stable citation format the
// answer stage and the tests rely on.
func concatDocuments(docs []normalize.Document) string {
	if len(docs) == 0 {
		return "No relevant information was retrieved."
	}
	parts := make([]string, 0, len(docs))
	for i, d := range docs {
		content := d.Content
		if content == "" {
			if errMsg, ok := d.Metadata["error"].(string); ok {
				content = "(tool error: " + errMsg + ")"
			} else {
				content = "(empty result)"
			}
		}
		parts = append(parts, fmt.Sprintf("Document %d (%s): %s", i+1, d.Source, content))
	}
	return strings.Join(parts, "\n\n")
}

const capabilitySystem = `You judge whether the gathered context is sufficient
to answer the user's request. Answer strictly.`

var capabilitySchema = &llm.Schema{
	Name: "capability",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"can_answer": map[string]any{"type": "boolean"},
		},
		"required": []any{"can_answer"},
	},
}

func capabilityPrompt(s AgentState) string {
	return fmt.Sprintf(
		"User request:\n%s\n\nGathered context:\n%s\n\nCan the request be answered from this context alone?",
		s.UserRequest, s.SynthesizedContext)
}

const answerSystem = `You answer the user's request using the provided context.
Cite sources by the labels given in the context. If the context is empty,
answer from general knowledge and say so.`

func answerPrompt(s AgentState) string {
	return fmt.Sprintf("Context:\n%s\n\nUser request:\n%s", s.SynthesizedContext, s.UserRequest)
}

const refinePlanSystem = `You revise a retrieval plan that did not gather
enough information. Propose different calls: new search phrasings, other
services, other parameters. Do not repeat calls that already ran.`

func refinePlanPrompt(s AgentState) string {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(s.UserRequest)
	sb.WriteString("\n\nCalls already executed:\n")
	for _, call := range s.PlannedToolCalls {
		fmt.Fprintf(&sb, "- %s/%s %v\n", call.ServiceID, call.Action, call.Parameters)
	}
	sb.WriteString("\nWhat was gathered so far:\n")
	sb.WriteString(s.SynthesizedContext)
	sb.WriteString("\n\nAvailable services:\n")
	for _, id := range sortedServiceIDs(s.DiscoveredServices) {
		fmt.Fprintf(&sb, "- %s (kind=%s)\n", id, s.DiscoveredServices[id].Kind)
	}
	return sb.String()
}

const generateSQLSystem = `You write a single read-only SQL query (SELECT or
WITH) answering the user's request against the given schema. Return only the
query, no commentary.`

var sqlSchema = &llm.Schema{
	Name: "sql_query",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
		},
		"required": []any{"query"},
	},
}

func generateSQLPrompt(s AgentState, dbSchema string) string {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(s.UserRequest)
	if dbSchema != "" {
		sb.WriteString("\n\nDatabase schema:\n")
		sb.WriteString(dbSchema)
	}
	return sb.String()
}

const refineSQLSystem = `A SQL query failed. Write a corrected read-only query
for the same request. Never repeat a query from the history; change tables,
columns or predicates based on the error.`

func refineSQLPrompt(s AgentState) string {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(s.UserRequest)
	sb.WriteString("\n\nFailing query:\n")
	sb.WriteString(s.SQLQuery)
	if s.SQLErrors != nil {
		fmt.Fprintf(&sb, "\n\nError (%s): %s", s.SQLErrors.Kind, s.SQLErrors.Message)
	}
	if len(s.PreviousSQLQueries) > 0 {
		sb.WriteString("\n\nQueries already tried:\n")
		for _, q := range s.PreviousSQLQueries {
			sb.WriteString("- " + q + "\n")
		}
	}
	return sb.String()
}

const widerSearchSystem = `A SQL query ran correctly but returned no rows.
Write a broader read-only variant for the same request: relax predicates,
widen ranges, or use pattern matching. Never repeat a query from the history.`

func widerSearchPrompt(s AgentState) string {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(s.UserRequest)
	sb.WriteString("\n\nQuery with empty result:\n")
	sb.WriteString(s.SQLQuery)
	if len(s.PreviousSQLQueries) > 0 {
		sb.WriteString("\n\nQueries already tried:\n")
		for _, q := range s.PreviousSQLQueries {
			sb.WriteString("- " + q + "\n")
		}
	}
	return sb.String()
}

// failureMessage is the deterministic text generate_failure produces.
func failureMessage(s AgentState) string {
	var sb strings.Builder
	sb.WriteString("I could not answer the request")
	switch {
	case s.DiscoveryFailed:
		sb.WriteString(": the tool service registry is unreachable")
	case s.IterationCount >= s.MaxIterations && s.MaxIterations > 0:
		fmt.Fprintf(&sb, " after %d refinement iterations", s.IterationCount)
	}
	sb.WriteString(".")
	if s.SQLErrors != nil {
		fmt.Fprintf(&sb, " Last SQL error (%s): %s.", s.SQLErrors.Kind, s.SQLErrors.Message)
	}
	if s.LastError != "" {
		fmt.Fprintf(&sb, " Last error: %s.", s.LastError)
	}
	return sb.String()
}

func sortedServiceIDs(services map[string]mcp.Service) []string {
	ids := make([]string, 0, len(services))
	for id := range services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
