package research

import (
	"fmt"
	"strings"
	"time"
)

const querySystemPrompt = `You are a research planner. Given a conversation, produce diversified web
search queries that together cover the distinct facets of the user's latest
question. Queries must not be near-duplicates of each other.`

const reflectionSystemPrompt = `You are a research critic. Decide whether the gathered sources adequately
answer the user's question. If they do not, name the knowledge gap and
propose follow-up queries that target it. Never repeat a query that was
already issued.`

const answerSystemPrompt = `You are a research writer. Answer the user's question using ONLY the
provided sources. Cite sources inline with their ids in square brackets,
e.g. [s1] or [s2][s3]. Do not cite ids that are not in the source list. Do
not invent facts beyond the sources.`

func currentDateLine() string {
	return "Current date: " + time.Now().UTC().Format("2006-01-02")
}

func renderConversation(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSources(sources []*Source) string {
	var b strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&b, "[%s] %s\n%s\n", s.ID, s.Title, s.URL)
		if s.Snippet != "" {
			fmt.Fprintf(&b, "%s\n", s.Snippet)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func buildQueryPrompt(st *OverallState, queriesPerRound int) string {
	var b strings.Builder
	b.WriteString(currentDateLine())
	b.WriteString("\n\nConversation:\n")
	b.WriteString(renderConversation(st.Messages))
	fmt.Fprintf(&b, "\n\nProduce between 1 and %d search queries.", queriesPerRound)
	if len(st.SearchQueries) > 0 {
		b.WriteString("\nAlready issued queries (do not repeat):\n")
		for _, q := range st.SearchQueries {
			b.WriteString("- " + q + "\n")
		}
	}
	return b.String()
}

func buildReflectionPrompt(st *OverallState) string {
	var b strings.Builder
	b.WriteString(currentDateLine())
	b.WriteString("\n\nQuestion:\n")
	b.WriteString(st.question())
	b.WriteString("\n\nQueries issued so far:\n")
	for _, q := range st.SearchQueries {
		b.WriteString("- " + q + "\n")
	}
	b.WriteString("\nGathered sources:\n")
	b.WriteString(renderSources(st.orderedSources()))
	fmt.Fprintf(&b, "\n\nResearch loop %d of at most %d.", st.ResearchLoopCount, st.MaxResearchLoops)
	return b.String()
}

func buildAnswerPrompt(st *OverallState) string {
	var b strings.Builder
	b.WriteString(currentDateLine())
	b.WriteString("\n\nConversation:\n")
	b.WriteString(renderConversation(st.Messages))
	b.WriteString("\n\nSources:\n")
	b.WriteString(renderSources(st.orderedSources()))
	b.WriteString("\n\nWrite the final answer with inline [sN] citations.")
	return b.String()
}
