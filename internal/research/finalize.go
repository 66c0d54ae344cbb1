package research

import (
	"context"
	"regexp"
	"strings"
)

var citationPattern = regexp.MustCompile(`\[(s\d+)\]`)

// finalize synthesizes the cited answer from accumulated sources.
//
// Citation integrity is enforced after the fact: ids that do not resolve to
// a known source are scrubbed from the text and reported at warn level, but
// the run still completes with the remaining answer. The final answer is
// write-once; a second call is a hard bug surfaced as GenerationError.
func (r *run) finalize(ctx context.Context) (string, error) {
	res, err := r.llm.Complete(ctx, CompletionRequest{
		Model:  r.model,
		System: answerSystemPrompt,
		Prompt: buildAnswerPrompt(r.state),
	})
	if err != nil {
		return "", wrapCompletionErr(err)
	}

	answer := strings.TrimSpace(res.Text)
	if answer == "" {
		return "", &GenerationError{Node: NodeCompleted, Reason: "model produced an empty answer"}
	}

	answer, missing := r.scrubCitations(answer)
	if len(missing) > 0 {
		r.log.Warn("scrubbed dangling citations from final answer",
			"error", (&CitationIntegrityError{Missing: missing}).Error())
	}

	if err := r.state.setFinalAnswer(answer); err != nil {
		return "", &GenerationError{Node: NodeCompleted, Reason: err.Error()}
	}
	return answer, nil
}

// scrubCitations validates every [sN] reference against the source map.
// Known ids bump the source's used_count; unknown ids are removed from the
// text and returned for reporting.
func (r *run) scrubCitations(answer string) (string, []string) {
	missing := make([]string, 0)
	seenMissing := make(map[string]struct{})

	out := citationPattern.ReplaceAllStringFunc(answer, func(m string) string {
		id := strings.Trim(m, "[]")
		if src := r.state.sourceByID(id); src != nil {
			src.UsedCount++
			return m
		}
		if _, dup := seenMissing[id]; !dup {
			seenMissing[id] = struct{}{}
			missing = append(missing, id)
		}
		return ""
	})
	return strings.TrimSpace(out), missing
}
