package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// CompletionClient is the narrow LLM contract the orchestrator depends on.
//
// Implementations must be stateless and safe for concurrent use across
// threads. Transport and quota failures surface as *ProviderError.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// CompletionRequest asks for one completion.
//
// When Schema is set the implementation must coerce the model into emitting a
// single JSON object matching it (forced tool-use on Anthropic, json_object
// response format on OpenAI). When empty, free text is expected.
type CompletionRequest struct {
	Model           string
	System          string
	Prompt          string
	Schema          json.RawMessage
	MaxOutputTokens int
}

type CompletionResult struct {
	Text string
}

// decodeStructured parses a structured completion into v.
//
// Models occasionally wrap JSON in markdown fences or prose; we extract the
// outermost object before decoding.
func decodeStructured(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty completion")
	}
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return errors.New("no JSON object in completion")
	}
	return json.Unmarshal([]byte(raw[start:end+1]), v)
}
