package llm

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAI targets the OpenAI chat completions API or any server that
// speaks it (a custom endpoint covers local inference servers). It
// enforces structured output via response_format JSON schema.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI builds the provider. endpoint may be "" for the hosted API.
func NewOpenAI(model, endpoint, apiKey string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Model implements Completer.
func (p *OpenAI) Model() string { return p.model }

// SupportsStructured implements Completer.
func (p *OpenAI) SupportsStructured() bool { return true }

// Complete implements Completer.
func (p *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	if req.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.Schema.Name,
					Schema: req.Schema.Definition,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classify("openai", ctx, err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, badResponse("openai", "no choices returned")
	}
	text := completion.Choices[0].Message.Content
	if text == "" {
		return Response{}, badResponse("openai", "empty completion")
	}
	return Response{
		Text: text,
		Usage: Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}, nil
}
