package agent

import (
	"testing"

	"github.com/dshills/ragflow-go/mcp"
	"github.com/dshills/ragflow-go/normalize"
)

func sqlPlanned() AgentState {
	return AgentState{
		DiscoveredServices: map[string]mcp.Service{
			"db": {ID: "db", Kind: mcp.KindSQL},
		},
		PlannedToolCalls: []mcp.ToolCall{{ServiceID: "db", Action: "query"}},
		SQLStage:         SQLStagePending,
	}
}

func TestAfterDiscover(t *testing.T) {
	if got := afterDiscover(AgentState{DiscoveryFailed: true}); got != branchFail {
		t.Errorf("failed discovery -> %q", got)
	}
	if got := afterDiscover(AgentState{}); got != branchAnalyze {
		t.Errorf("discovery ok -> %q", got)
	}
}

func TestAfterAnalyze(t *testing.T) {
	tests := []struct {
		name string
		s    AgentState
		want string
	}{
		{"calls planned", AgentState{PlannedToolCalls: []mcp.ToolCall{{ServiceID: "s"}}}, branchExecute},
		{"no calls, directly answerable", AgentState{AnswerableDirectly: TriYes}, branchAnswer},
		{"no calls, not answerable", AgentState{AnswerableDirectly: TriNo}, branchFail},
		{"no calls, undecided", AgentState{AnswerableDirectly: TriUnknown}, branchFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := afterAnalyze(tt.s); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAfterExecute(t *testing.T) {
	t.Run("sql call pending", func(t *testing.T) {
		if got := afterExecute(sqlPlanned()); got != branchSQL {
			t.Errorf("got %q", got)
		}
	})
	t.Run("databases disabled", func(t *testing.T) {
		s := sqlPlanned()
		s.Flags.DisableDatabases = true
		if got := afterExecute(s); got != branchSynthesize {
			t.Errorf("got %q", got)
		}
	})
	t.Run("sql stage already done", func(t *testing.T) {
		s := sqlPlanned()
		s.SQLStage = SQLStageDone
		if got := afterExecute(s); got != branchSynthesize {
			t.Errorf("got %q", got)
		}
	})
	t.Run("no sql call in plan", func(t *testing.T) {
		s := sqlPlanned()
		s.DiscoveredServices["db"] = mcp.Service{ID: "db", Kind: mcp.KindSearch}
		if got := afterExecute(s); got != branchSynthesize {
			t.Errorf("got %q", got)
		}
	})
}

func TestAfterValidateSQL(t *testing.T) {
	tests := []struct {
		name string
		s    AgentState
		want string
	}{
		{"valid", AgentState{SQLValid: TriYes}, branchExecute},
		{"invalid, attempts remain", AgentState{SQLValid: TriNo}, branchRefine},
		{
			"invalid, cap exhausted",
			AgentState{SQLValid: TriNo, RetryCounts: map[string]int{NodeRefineSQL: 2, NodeWiderSearch: 1}},
			branchFail,
		},
		{
			"invalid, cap exhausted, other results salvageable",
			AgentState{
				SQLValid:    TriNo,
				RetryCounts: map[string]int{NodeRefineSQL: 3},
				ToolResults: []normalize.Document{{ID: "search-doc"}},
			},
			branchSynthesize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := afterValidateSQL(tt.s); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAfterReviseSQL(t *testing.T) {
	if got := afterReviseSQL(AgentState{SQLErrors: &SQLError{Kind: SQLErrGeneration}}); got != branchSynthesize {
		t.Errorf("generation failure -> %q", got)
	}
	if got := afterReviseSQL(AgentState{SQLQuery: "SELECT 1"}); got != branchValidate {
		t.Errorf("new query -> %q", got)
	}
}

func TestAfterExecuteSQL(t *testing.T) {
	tests := []struct {
		name string
		s    AgentState
		want string
	}{
		{"ok", AgentState{SQLOutcome: SQLOutcomeOK}, branchSynthesize},
		{"empty, attempts remain", AgentState{SQLOutcome: SQLOutcomeEmpty}, branchWider},
		{"recoverable, attempts remain", AgentState{SQLOutcome: SQLOutcomeRecoverable}, branchRefine},
		{"fatal", AgentState{SQLOutcome: SQLOutcomeFatal}, branchSynthesize},
		{
			"empty, cap exhausted, no other results",
			AgentState{SQLOutcome: SQLOutcomeEmpty, RetryCounts: map[string]int{NodeWiderSearch: 3}},
			branchFail,
		},
		{
			"recoverable, cap exhausted, other results salvageable",
			AgentState{
				SQLOutcome:  SQLOutcomeRecoverable,
				RetryCounts: map[string]int{NodeRefineSQL: 3},
				ToolResults: []normalize.Document{{ID: "search-doc"}},
			},
			branchSynthesize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := afterExecuteSQL(tt.s); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAfterCapability(t *testing.T) {
	tests := []struct {
		name string
		s    AgentState
		want string
	}{
		{"can answer", AgentState{CanAnswer: TriYes}, branchAnswer},
		{"cannot, iterations remain", AgentState{CanAnswer: TriNo, MaxIterations: 3}, branchRefine},
		{"cannot, budget spent", AgentState{CanAnswer: TriNo, IterationCount: 3, MaxIterations: 3}, branchFail},
		{"cannot, zero budget", AgentState{CanAnswer: TriNo, MaxIterations: 0}, branchFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := afterCapability(tt.s); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
