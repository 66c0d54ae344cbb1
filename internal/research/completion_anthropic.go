package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const completionDefaultMaxOutputTokens = 4096

// anthropicClient implements CompletionClient over the Anthropic Messages
// API. Structured output is obtained by forcing a single "emit" tool whose
// input schema is the requested schema.
type anthropicClient struct {
	client anthropic.Client
}

func newAnthropicClient(apiKey string, baseURL string) *anthropicClient {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, aoption.WithBaseURL(baseURL))
	}
	return &anthropicClient{client: anthropic.NewClient(opts...)}
}

func (c *anthropicClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if c == nil {
		return CompletionResult{}, errors.New("nil client")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return CompletionResult{}, errors.New("missing model")
	}

	maxTokens := int64(completionDefaultMaxOutputTokens)
	if req.MaxOutputTokens > 0 {
		maxTokens = int64(req.MaxOutputTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	structured := len(req.Schema) > 0
	if structured {
		properties, required, err := parseObjectSchema(req.Schema)
		if err != nil {
			return CompletionResult{}, err
		}
		tool := anthropic.ToolParam{
			Name:        "emit",
			Description: anthropic.String("Return the structured result."),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: properties, Required: required},
		}
		params.Tools = []anthropic.ToolUnionParam{{OfTool: &tool}}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: "emit"}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return CompletionResult{}, &ProviderError{Backend: "anthropic", Err: err}
	}
	if msg == nil {
		return CompletionResult{}, &ProviderError{Backend: "anthropic", Err: errors.New("empty response")}
	}

	if structured {
		for _, block := range msg.Content {
			if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
				return CompletionResult{Text: string(tu.Input)}, nil
			}
		}
		// Some models answer in text despite the forced tool; let the caller's
		// structured decoder take a shot at it.
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return CompletionResult{Text: sb.String()}, nil
}

// parseObjectSchema splits a JSON schema into the properties/required shape
// the Anthropic tool API wants.
func parseObjectSchema(schema json.RawMessage) (properties any, required []string, err error) {
	var schemaMap map[string]any
	if err := json.Unmarshal(schema, &schemaMap); err != nil {
		return nil, nil, errors.New("invalid completion schema")
	}
	if rawReq, ok := schemaMap["required"].([]any); ok {
		for _, v := range rawReq {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				required = append(required, s)
			}
		}
	}
	return schemaMap["properties"], required, nil
}
