package research

import (
	"context"
	"encoding/json"
	"strings"
)

type queryPlan struct {
	Queries   []string `json:"queries"`
	Rationale string   `json:"rationale,omitempty"`
}

var queryPlanSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "queries": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 1
    },
    "rationale": {"type": "string"}
  },
  "required": ["queries"]
}`)

// generateQueries produces the first round's diversified search queries.
//
// An unreachable LLM surfaces as ProviderError; an empty or unparsable plan
// is a GenerationError. Either way the run fails with a user-visible event
// rather than silently researching nothing.
func (r *run) generateQueries(ctx context.Context) ([]string, error) {
	res, err := r.llm.Complete(ctx, CompletionRequest{
		Model:  r.model,
		System: querySystemPrompt,
		Prompt: buildQueryPrompt(r.state, r.params.QueriesPerRound),
		Schema: queryPlanSchema,
	})
	if err != nil {
		return nil, wrapCompletionErr(err)
	}

	var plan queryPlan
	if err := decodeStructured(res.Text, &plan); err != nil {
		return nil, &GenerationError{Node: NodeGenerateQueries, Reason: err.Error()}
	}

	queries := dedupeQueries(plan.Queries, r.params.QueriesPerRound, nil)
	if len(queries) == 0 {
		return nil, &GenerationError{Node: NodeGenerateQueries, Reason: "model produced no usable queries"}
	}
	return queries, nil
}

// dedupeQueries trims, drops empties and near-duplicates (normalized text),
// rejects queries matching seen, and caps the result at limit.
func dedupeQueries(raw []string, limit int, seen func(string) bool) []string {
	if limit <= 0 {
		limit = 1
	}
	out := make([]string, 0, limit)
	local := make(map[string]struct{}, len(raw))
	for _, q := range raw {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		norm := normalizeQueryText(q)
		if norm == "" {
			continue
		}
		if _, dup := local[norm]; dup {
			continue
		}
		if seen != nil && seen(q) {
			continue
		}
		local[norm] = struct{}{}
		out = append(out, q)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// wrapCompletionErr classifies a CompletionClient failure. Typed errors pass
// through; anything else is a backend transport problem.
func wrapCompletionErr(err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *ProviderError, *GenerationError:
		return err
	}
	return &ProviderError{Backend: "llm", Err: err}
}
