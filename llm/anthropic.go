package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic targets the Anthropic Messages API. The API has no enforced
// JSON-schema output, so schema requests are folded into the prompt and
// callers parse the text.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic builds the provider.
func NewAnthropic(model, apiKey string) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Model implements Completer.
func (p *Anthropic) Model() string { return p.model }

// SupportsStructured implements Completer.
func (p *Anthropic) SupportsStructured() bool { return false }

// Complete implements Completer.
func (p *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	user := req.User
	if req.Schema != nil {
		user += "\n\nRespond with a single JSON object only, no prose."
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classify("anthropic", ctx, err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return Response{}, badResponse("anthropic", "no text blocks in response")
	}
	return Response{
		Text: text,
		Usage: Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
	}, nil
}
