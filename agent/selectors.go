package agent

// Branch selectors. All are pure functions of state: every routing
// decision is reproducible from a state snapshot.

const (
	branchAnalyze    = "analyze"
	branchExecute    = "execute"
	branchSynthesize = "synthesize"
	branchValidate   = "validate"
	branchSQL        = "sql"
	branchRefine     = "refine"
	branchWider      = "wider"
	branchAnswer     = "answer"
	branchFail       = "fail"
)

// afterDiscover: a dead registry pre-empts planning.
func afterDiscover(s AgentState) string {
	if s.DiscoveryFailed {
		return branchFail
	}
	return branchAnalyze
}

// afterAnalyze: tools planned → execute; otherwise answer directly if
// the analyzer thinks that is possible, else fail.
func afterAnalyze(s AgentState) string {
	if len(s.PlannedToolCalls) > 0 {
		return branchExecute
	}
	if s.AnswerableDirectly == TriYes {
		return branchAnswer
	}
	return branchFail
}

// afterExecute: enter the SQL subgraph when a planned call targets a SQL
// service, databases are enabled, and the subgraph has not completed for
// this plan yet.
func afterExecute(s AgentState) string {
	if !s.Flags.DisableDatabases && s.SQLStage == SQLStagePending && hasSQLCall(s) {
		return branchSQL
	}
	return branchSynthesize
}

// afterGenerateSQL: a generation failure skips the subgraph with the
// error recorded; otherwise the query goes to validation.
func afterGenerateSQL(s AgentState) string {
	if s.SQLErrors != nil && s.SQLErrors.Kind == SQLErrGeneration {
		return branchSynthesize
	}
	return branchValidate
}

// afterValidateSQL: safe queries execute; unsafe ones refine until the
// cap. With the cap exhausted, salvage any non-SQL tool results through
// synthesize before giving up.
func afterValidateSQL(s AgentState) string {
	if s.SQLValid == TriYes {
		return branchExecute
	}
	if sqlAttempts(s) < sqlRetryCap {
		return branchRefine
	}
	if len(s.ToolResults) > 0 {
		return branchSynthesize
	}
	return branchFail
}

// afterReviseSQL routes refine_sql and wider_search output: a generation
// failure ends the subgraph, a new query goes back through validation.
func afterReviseSQL(s AgentState) string {
	if s.SQLErrors != nil && s.SQLErrors.Kind == SQLErrGeneration {
		return branchSynthesize
	}
	return branchValidate
}

// afterExecuteSQL: success and dead ends rejoin at synthesize; empty
// results widen and recoverable errors refine while attempts remain.
// With the cap exhausted, fail outright unless other tool results exist
// to salvage.
func afterExecuteSQL(s AgentState) string {
	switch s.SQLOutcome {
	case SQLOutcomeOK:
		return branchSynthesize
	case SQLOutcomeEmpty:
		if sqlAttempts(s) < sqlRetryCap {
			return branchWider
		}
	case SQLOutcomeRecoverable:
		if sqlAttempts(s) < sqlRetryCap {
			return branchRefine
		}
	default:
		return branchSynthesize
	}
	if len(s.ToolResults) > 0 {
		return branchSynthesize
	}
	return branchFail
}

// afterCapability: yes answers; no refines while iterations remain.
func afterCapability(s AgentState) string {
	if s.CanAnswer == TriYes {
		return branchAnswer
	}
	if s.IterationCount < s.MaxIterations {
		return branchRefine
	}
	return branchFail
}
