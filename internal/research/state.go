package research

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// OverallState is the mutable context of one in-flight run.
//
// It is owned exclusively by the run that created it and is only ever touched
// from the run's goroutine, so it carries no locking. The sources map only
// grows within a run, the loop counter only increments, and the final answer
// is write-once.
type OverallState struct {
	Messages          []Message
	SearchQueries     []string
	ResearchLoopCount int
	MaxResearchLoops  int
	FinalAnswer       string

	sources     map[string]*Source // source id -> source
	sourceOrder []string
	byURL       map[string]string // normalized url -> source id

	seenQueries map[string]struct{} // normalized query text

	finalized bool
}

func newOverallState(messages []Message, params EffortParams) *OverallState {
	maxLoops := params.MaxResearchLoops
	if maxLoops <= 0 {
		maxLoops = 1
	}
	return &OverallState{
		Messages:         append([]Message(nil), messages...),
		MaxResearchLoops: maxLoops,
		sources:          make(map[string]*Source),
		byURL:            make(map[string]string),
		seenQueries:      make(map[string]struct{}),
	}
}

// question returns the latest user message, which anchors reflection and
// finalization prompts.
func (st *OverallState) question() string {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == RoleUser {
			return strings.TrimSpace(st.Messages[i].Text)
		}
	}
	return ""
}

// appendQueries records a round's queries. Prior rounds are never
// overwritten; the full history stays auditable.
func (st *OverallState) appendQueries(queries []string) {
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		st.SearchQueries = append(st.SearchQueries, q)
		st.seenQueries[normalizeQueryText(q)] = struct{}{}
	}
}

func (st *OverallState) hasQuery(raw string) bool {
	_, ok := st.seenQueries[normalizeQueryText(raw)]
	return ok
}

// addSource merges one web result into the source map.
//
// Dedup key is the normalized URL. An existing URL increments used_count and
// keeps the first-written snippet; a new URL gets the next sequential id.
func (st *OverallState) addSource(rawURL string, title string, snippet string) (id string, added bool) {
	norm := normalizeURL(rawURL)
	if norm == "" {
		return "", false
	}
	if existing, ok := st.byURL[norm]; ok {
		st.sources[existing].UsedCount++
		return existing, false
	}
	id = fmt.Sprintf("s%d", len(st.sourceOrder)+1)
	st.sources[id] = &Source{
		ID:        id,
		URL:       strings.TrimSpace(rawURL),
		Title:     strings.TrimSpace(title),
		Snippet:   strings.TrimSpace(snippet),
		UsedCount: 1,
	}
	st.sourceOrder = append(st.sourceOrder, id)
	st.byURL[norm] = id
	return id, true
}

func (st *OverallState) sourceByID(id string) *Source {
	return st.sources[strings.TrimSpace(id)]
}

func (st *OverallState) sourceCount() int {
	return len(st.sourceOrder)
}

// orderedSources returns sources in insertion order.
func (st *OverallState) orderedSources() []*Source {
	out := make([]*Source, 0, len(st.sourceOrder))
	for _, id := range st.sourceOrder {
		out = append(out, st.sources[id])
	}
	return out
}

func (st *OverallState) setFinalAnswer(answer string) error {
	if st.finalized {
		return errors.New("final answer already set")
	}
	st.finalized = true
	st.FinalAnswer = answer
	return nil
}

// normalizeURL canonicalizes a URL for dedup: lowercased scheme and host,
// no fragment, no trailing slash. Unparsable inputs fall back to trimmed text
// so two identical raw strings still collapse.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	out := u.String()
	return strings.TrimRight(out, "/")
}

// normalizeQueryText canonicalizes a query for best-effort dedup: lowercase,
// collapsed whitespace, trailing punctuation dropped.
func normalizeQueryText(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	raw = strings.Join(strings.Fields(raw), " ")
	return strings.TrimRight(raw, ".?! ")
}
