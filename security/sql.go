// Package security gates LLM-generated SQL before it reaches a database
// service. The rules are deliberately conservative: structural
// violations are final, keyword hits may be overridden by an LLM review,
// and an LLM rejection is always final.
package security

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dshills/ragflow-go/llm"
)

// Reason codes for an unsafe verdict.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNotReadOnly      Reason = "not_read_only"
	ReasonMultiStatement   Reason = "multi_statement"
	ReasonComment          Reason = "comment"
	ReasonForbiddenKeyword Reason = "forbidden_keyword"
	ReasonInjectionPattern Reason = "injection_pattern"
	ReasonLLMRejected      Reason = "llm_rejected"
)

// Verdict is the validation outcome.
type Verdict struct {
	Safe   bool
	Reason Reason
	Detail string
}

var (
	forbiddenKeywordRe = regexp.MustCompile(
		`(?i)\b(DROP|DELETE|INSERT|UPDATE|TRUNCATE|ALTER|EXEC|EXECUTE|GRANT|REVOKE)\b`)
	createObjectRe = regexp.MustCompile(
		`(?i)\bCREATE\s+(TABLE|DATABASE|INDEX|VIEW|PROCEDURE|FUNCTION|TRIGGER)\b`)
	injectionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b`),
		regexp.MustCompile(`(?i)\bINFORMATION_SCHEMA\b`),
		regexp.MustCompile(`(?i)\bPG_[A-Z_]+`),
		regexp.MustCompile(`(?i)\bSQLITE_[A-Z_]+`),
		regexp.MustCompile(`(?i)\b(XP|SP)_[A-Z_]+`),
		regexp.MustCompile(`(?i)\bWAITFOR\s+DELAY\b`),
		regexp.MustCompile(`(?i)\b(BENCHMARK|SLEEP|EVAL|LOAD_FILE)\s*\(`),
		regexp.MustCompile(`(?i)\bINTO\s+(OUTFILE|DUMPFILE)\b`),
	}
)

// Validator runs the SQL decision procedure. The zero value applies the
// rules with no LLM review.
type Validator struct {
	// DisableBlocking logs violations instead of blocking. Every query
	// validates as safe.
	DisableBlocking bool

	// Reviewer, when set together with UseLLMReview, gets the final word
	// on keyword and injection-pattern hits. It can approve past those
	// rules but can never approve past the structural ones, and its own
	// rejection is final.
	UseLLMReview bool
	Reviewer     llm.Completer
}

// Validate applies the decision procedure to one query.
func (v *Validator) Validate(ctx context.Context, query string) Verdict {
	verdict := v.structural(query)
	if !verdict.Safe {
		if v.DisableBlocking {
			return Verdict{Safe: true, Reason: verdict.Reason, Detail: "blocking disabled: " + verdict.Detail}
		}
		return verdict
	}

	keywordVerdict := v.keywords(query)

	if v.UseLLMReview && v.Reviewer != nil {
		approved, err := v.review(ctx, query)
		if err == nil {
			if !approved {
				verdict := Verdict{Safe: false, Reason: ReasonLLMRejected, Detail: "reviewer rejected the query"}
				if v.DisableBlocking {
					return Verdict{Safe: true, Reason: verdict.Reason, Detail: "blocking disabled: " + verdict.Detail}
				}
				return verdict
			}
			// Approval overrides keyword and pattern hits only; the
			// structural rules already passed above.
			return Verdict{Safe: true}
		}
		// Reviewer unreachable: fall back to the rule outcome.
	}

	if !keywordVerdict.Safe && !v.DisableBlocking {
		return keywordVerdict
	}
	if !keywordVerdict.Safe {
		return Verdict{Safe: true, Reason: keywordVerdict.Reason, Detail: "blocking disabled: " + keywordVerdict.Detail}
	}
	return Verdict{Safe: true}
}

// structural applies the rules no review can override: read-only prefix,
// single statement, no comments.
func (v *Validator) structural(query string) Verdict {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return Verdict{Safe: false, Reason: ReasonNotReadOnly, Detail: "empty query"}
	}

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return Verdict{Safe: false, Reason: ReasonNotReadOnly, Detail: "query must start with SELECT or WITH"}
	}

	if n := countStatements(trimmed); n > 1 {
		return Verdict{Safe: false, Reason: ReasonMultiStatement, Detail: fmt.Sprintf("%d statements", n)}
	}

	if tok := findComment(trimmed); tok != "" {
		return Verdict{Safe: false, Reason: ReasonComment, Detail: "comment token " + tok}
	}

	return Verdict{Safe: true}
}

// keywords applies the overridable rules: mutating keywords, CREATE of
// schema objects, and known injection shapes.
func (v *Validator) keywords(query string) Verdict {
	stripped := stripStrings(query)
	if m := forbiddenKeywordRe.FindString(stripped); m != "" {
		return Verdict{Safe: false, Reason: ReasonForbiddenKeyword, Detail: strings.ToUpper(m)}
	}
	if m := createObjectRe.FindString(stripped); m != "" {
		return Verdict{Safe: false, Reason: ReasonForbiddenKeyword, Detail: strings.ToUpper(m)}
	}
	for _, re := range injectionRes {
		if m := re.FindString(stripped); m != "" {
			return Verdict{Safe: false, Reason: ReasonInjectionPattern, Detail: m}
		}
	}
	return Verdict{Safe: true}
}

func (v *Validator) review(ctx context.Context, query string) (bool, error) {
	resp, err := v.Reviewer.Complete(ctx, llm.Request{
		System: "You review SQL queries for a read-only analytics gateway. " +
			"Answer with exactly SAFE or UNSAFE.",
		User: "Is this query safe to run read-only?\n\n" + query,
	})
	if err != nil {
		return false, err
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Text))
	if strings.HasPrefix(answer, "SAFE") {
		return true, nil
	}
	if strings.HasPrefix(answer, "UNSAFE") {
		return false, nil
	}
	return false, fmt.Errorf("unparseable review answer %q", resp.Text)
}

// countStatements counts semicolon-separated statements, ignoring
// semicolons inside string literals. A trailing semicolon does not start
// a new statement.
func countStatements(query string) int {
	count := 1
	var quote byte
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if quote != 0 {
			if ch == quote {
				// Doubled quote is an escape.
				if i+1 < len(query) && query[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"', '`':
			quote = ch
		case ';':
			if strings.TrimSpace(query[i+1:]) != "" {
				count++
			}
		}
	}
	return count
}

// findComment returns the first comment token outside string literals,
// or "".
func findComment(query string) string {
	var quote byte
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if quote != 0 {
			if ch == quote {
				if i+1 < len(query) && query[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"', '`':
			quote = ch
		case '-':
			if i+1 < len(query) && query[i+1] == '-' {
				return "--"
			}
		case '/':
			if i+1 < len(query) && query[i+1] == '*' {
				return "/*"
			}
		case '#':
			return "#"
		}
	}
	return ""
}

// stripStrings blanks out string literals so keyword rules never fire on
// quoted data.
func stripStrings(query string) string {
	out := []byte(query)
	var quote byte
	for i := 0; i < len(out); i++ {
		ch := out[i]
		if quote != 0 {
			if ch == quote {
				if i+1 < len(out) && out[i+1] == quote {
					out[i+1] = ' '
					i++
					continue
				}
				quote = 0
				continue
			}
			out[i] = ' '
			continue
		}
		if ch == '\'' || ch == '"' || ch == '`' {
			quote = ch
		}
	}
	return string(out)
}
