package research

import (
	"context"
	"encoding/json"
)

// reflectionDecision is the reflector's verdict for one loop iteration.
type reflectionDecision struct {
	Sufficient      bool
	Forced          bool
	KnowledgeGap    string
	FollowUpQueries []string
}

type reflectionVerdict struct {
	Sufficient      bool     `json:"sufficient"`
	KnowledgeGap    string   `json:"knowledge_gap,omitempty"`
	FollowUpQueries []string `json:"follow_up_queries,omitempty"`
}

var reflectionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "sufficient": {"type": "boolean"},
    "knowledge_gap": {"type": "string"},
    "follow_up_queries": {
      "type": "array",
      "items": {"type": "string"}
    }
  },
  "required": ["sufficient"]
}`)

// reflect evaluates accumulated research for sufficiency.
//
// The loop counter increments exactly once per invocation regardless of
// outcome. Reaching the loop bound forces sufficiency without consulting the
// model; that is a planned transition, not a failure. Follow-up queries that
// all duplicate already-issued queries also force sufficiency, since another
// round would research nothing new.
func (r *run) reflect(ctx context.Context) (reflectionDecision, error) {
	r.state.ResearchLoopCount++

	if r.state.ResearchLoopCount >= r.state.MaxResearchLoops {
		return reflectionDecision{Sufficient: true, Forced: true}, nil
	}

	res, err := r.llm.Complete(ctx, CompletionRequest{
		Model:  r.model,
		System: reflectionSystemPrompt,
		Prompt: buildReflectionPrompt(r.state),
		Schema: reflectionSchema,
	})
	if err != nil {
		return reflectionDecision{}, wrapCompletionErr(err)
	}

	var verdict reflectionVerdict
	if err := decodeStructured(res.Text, &verdict); err != nil {
		return reflectionDecision{}, &GenerationError{Node: NodeReflection, Reason: err.Error()}
	}

	if verdict.Sufficient {
		return reflectionDecision{Sufficient: true, KnowledgeGap: verdict.KnowledgeGap}, nil
	}

	followUps := dedupeQueries(verdict.FollowUpQueries, r.params.QueriesPerRound, r.state.hasQuery)
	if len(followUps) == 0 {
		r.log.Debug("reflection follow-ups all duplicated issued queries; treating as sufficient")
		return reflectionDecision{Sufficient: true, KnowledgeGap: verdict.KnowledgeGap}, nil
	}
	return reflectionDecision{
		Sufficient:      false,
		KnowledgeGap:    verdict.KnowledgeGap,
		FollowUpQueries: followUps,
	}, nil
}
