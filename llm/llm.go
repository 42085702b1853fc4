// Package llm wraps chat-completion providers behind one interface: one
// prompt in, one text completion out, with optional JSON-schema
// constrained output where the provider supports it.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Role names the job a completer is wired for. Each role can route to a
// different provider and model.
type Role string

const (
	RoleAnalyzer    Role = "analyzer"
	RoleSynthesizer Role = "synthesizer"
	RoleAnswerer    Role = "answerer"
	RoleSecurity    Role = "security"
	RoleSQL         Role = "sql"
)

// Schema requests structured output. Definition is a JSON-schema object.
type Schema struct {
	Name       string
	Definition map[string]any
}

// Request is one completion turn.
type Request struct {
	System      string
	User        string
	Schema      *Schema
	Temperature float64 // 0 means provider default
	MaxTokens   int64   // 0 means provider default
}

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the completion result.
type Response struct {
	Text  string
	Usage Usage
}

// Completer executes one chat-completion turn. Implementations must
// honor context cancellation and classify failures with the package
// error taxonomy.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)

	// SupportsStructured reports whether Schema requests are enforced by
	// the provider. When false, callers fall back to parsing JSON out of
	// free text.
	SupportsStructured() bool

	// Model returns the configured model identifier, for usage
	// accounting.
	Model() string
}

// New builds a Completer for a provider name. endpoint overrides the
// provider's default base URL (OpenAI-compatible local servers).
func New(provider, model, endpoint, apiKey string) (Completer, error) {
	switch strings.ToLower(provider) {
	case "openai":
		return NewOpenAI(model, endpoint, apiKey), nil
	case "anthropic":
		return NewAnthropic(model, apiKey), nil
	case "google", "gemini":
		return NewGoogle(model, apiKey), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
}

// ExtractJSONObject pulls the first balanced JSON object out of text.
// Providers without enforced structured output wrap JSON in prose or
// markdown fences; this recovers it. Returns "" when no object is found.
func ExtractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
