package llm

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Google targets the Gemini API. Structured output is requested with the
// JSON response MIME type; the model honors the schema folded into the
// prompt.
type Google struct {
	model  string
	apiKey string
}

// NewGoogle builds the provider. The genai client binds to a context, so
// it is created per completion rather than held.
func NewGoogle(model, apiKey string) *Google {
	return &Google{model: model, apiKey: apiKey}
}

// Model implements Completer.
func (p *Google) Model() string { return p.model }

// SupportsStructured implements Completer.
func (p *Google) SupportsStructured() bool { return true }

// Complete implements Completer.
func (p *Google) Complete(ctx context.Context, req Request) (Response, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return Response{}, classify("google", ctx, err)
	}
	defer client.Close()

	model := client.GenerativeModel(p.model)
	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.Schema != nil {
		model.ResponseMIMEType = "application/json"
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.User))
	if err != nil {
		return Response{}, classify("google", ctx, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, badResponse("google", "no candidates returned")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	text := sb.String()
	if text == "" {
		return Response{}, badResponse("google", "empty candidate content")
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return Response{Text: text, Usage: usage}, nil
}
