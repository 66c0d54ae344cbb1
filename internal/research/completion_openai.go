package research

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

// openAIClient implements CompletionClient over the OpenAI Responses API.
// Structured output uses the json_object format with the schema embedded in
// the prompt; json_schema is avoided so older model aliases keep working.
type openAIClient struct {
	client openai.Client
}

func newOpenAIClient(apiKey string, baseURL string) *openAIClient {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(baseURL))
	}
	return &openAIClient{client: openai.NewClient(opts...)}
}

func (c *openAIClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if c == nil {
		return CompletionResult{}, errors.New("nil client")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return CompletionResult{}, errors.New("missing model")
	}

	prompt := req.Prompt
	if len(req.Schema) > 0 {
		prompt = prompt + "\n\nRespond with a single JSON object matching this schema:\n" + string(req.Schema)
	}

	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(model),
		MaxOutputTokens: openai.Int(completionDefaultMaxOutputTokens),
		Input: oresponses.ResponseNewParamsInputUnion{
			OfInputItemList: oresponses.ResponseInputParam{
				oresponses.ResponseInputItemParamOfMessage(prompt, oresponses.EasyInputMessageRoleUser),
			},
		},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}
	if len(req.Schema) > 0 {
		obj := oshared.NewResponseFormatJSONObjectParam()
		params.Text = oresponses.ResponseTextConfigParam{
			Format: oresponses.ResponseFormatTextConfigUnionParam{OfJSONObject: &obj},
		}
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return CompletionResult{}, &ProviderError{Backend: "openai", Err: err}
	}
	if resp == nil {
		return CompletionResult{}, &ProviderError{Backend: "openai", Err: errors.New("empty response")}
	}
	return CompletionResult{Text: extractResponseText(*resp)}, nil
}

func extractResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			txt := strings.TrimSpace(part.Text)
			if txt == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(txt)
		}
	}
	return sb.String()
}
