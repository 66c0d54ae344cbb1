package research

import (
	"context"
	"errors"
	"testing"

	"github.com/floegence/deepsearch-agent/internal/websearch"
)

func newTestRun(llm CompletionClient, search SearchClient, params EffortParams, col *collectEvents) *run {
	return newRun(runOptions{
		RunID:    "run_test",
		ThreadID: "th_test",
		Model:    "p1/model-x",
		Params:   params,
		Messages: []Message{{Role: RoleUser, Text: "what is the capital of France?"}},
		LLM:      llm,
		Search:   search,
		OnEvent:  col.hook,
	})
}

func assertEventInvariants(t *testing.T, events []ProgressEvent) {
	t.Helper()
	var lastSeq uint64
	terminals := 0
	for i, ev := range events {
		if ev.Seq <= lastSeq {
			t.Fatalf("event %d seq=%d not strictly increasing (prev %d)", i, ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Terminal {
			terminals++
			if i != len(events)-1 {
				t.Fatalf("terminal event at index %d is not last", i)
			}
			if !IsTerminalNode(ev.Node) {
				t.Fatalf("terminal event has non-terminal node %q", ev.Node)
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events=%d, want exactly 1", terminals)
	}
}

func nodeSequence(events []ProgressEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Node)
	}
	return out
}

func TestRun_LowEffortSingleLoop(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	llm.script("generate", fakeCompletion{text: queriesJSON("capital of France")})
	llm.script("answer", fakeCompletion{text: "Paris is the capital of France. [s1]"})

	search := newFakeSearch()
	search.add("capital of France", websearch.ResultItem{
		Title: "France", URL: "https://en.wikipedia.org/wiki/France", Snippet: "Paris is the capital.",
	})

	col := &collectEvents{}
	r := newTestRun(llm, search, DefaultEffortParams(EffortLow), col)
	res := r.execute(context.Background())

	if res.State != RunStateCompleted {
		t.Fatalf("state=%q (%s), want completed", res.State, res.ErrorMessage)
	}
	if res.FinalAnswer != "Paris is the capital of France. [s1]" {
		t.Fatalf("FinalAnswer=%q", res.FinalAnswer)
	}
	if res.LoopCount != 1 {
		t.Fatalf("LoopCount=%d, want 1", res.LoopCount)
	}
	if res.SourceCount != 1 {
		t.Fatalf("SourceCount=%d, want 1", res.SourceCount)
	}
	// Low effort forces sufficiency at the bound: the critic is never asked.
	if llm.callCount("reflect") != 0 {
		t.Fatalf("reflection LLM calls=%d, want 0", llm.callCount("reflect"))
	}

	events := col.all()
	assertEventInvariants(t, events)
	want := []string{NodeGenerateQueries, NodeWebResearch, NodeReflection, NodeCompleted}
	got := nodeSequence(events)
	if len(got) != len(want) {
		t.Fatalf("nodes=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("nodes=%v, want %v", got, want)
		}
	}
	last := events[len(events)-1]
	if last.Payload["final_answer"] != res.FinalAnswer {
		t.Fatalf("terminal payload missing final_answer: %v", last.Payload)
	}
	forced, _ := events[2].Payload["forced"].(bool)
	if !forced {
		t.Fatalf("reflection at the bound should be forced: %v", events[2].Payload)
	}
}

func TestRun_MediumEffortLoopsUntilBound(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	llm.script("generate", fakeCompletion{text: queriesJSON("q one", "q two")})
	llm.script("reflect", fakeCompletion{text: verdictJSON(false, "q three")})
	llm.script("reflect", fakeCompletion{text: verdictJSON(false, "q four")})
	llm.script("answer", fakeCompletion{text: "combined answer [s1][s2]"})

	search := newFakeSearch()
	search.add("q one", websearch.ResultItem{Title: "A", URL: "https://a.test/1"})
	search.add("q two", websearch.ResultItem{Title: "B", URL: "https://b.test/1"})
	search.add("q three", websearch.ResultItem{Title: "C", URL: "https://c.test/1"})
	search.add("q four", websearch.ResultItem{Title: "A dup", URL: "https://a.test/1"})

	col := &collectEvents{}
	r := newTestRun(llm, search, DefaultEffortParams(EffortMedium), col)
	res := r.execute(context.Background())

	if res.State != RunStateCompleted {
		t.Fatalf("state=%q (%s), want completed", res.State, res.ErrorMessage)
	}
	if res.LoopCount != 3 {
		t.Fatalf("LoopCount=%d, want the medium bound of 3", res.LoopCount)
	}
	// Third reflection hits the bound and must not consult the model.
	if llm.callCount("reflect") != 2 {
		t.Fatalf("reflection LLM calls=%d, want 2", llm.callCount("reflect"))
	}
	// q four resolved to a duplicate URL: three distinct sources.
	if res.SourceCount != 3 {
		t.Fatalf("SourceCount=%d, want 3", res.SourceCount)
	}

	events := col.all()
	assertEventInvariants(t, events)
	var reflections []ProgressEvent
	for _, ev := range events {
		if ev.Node == NodeReflection {
			reflections = append(reflections, ev)
		}
	}
	if len(reflections) != 3 {
		t.Fatalf("reflection events=%d, want 3", len(reflections))
	}
	if forced, _ := reflections[2].Payload["forced"].(bool); !forced {
		t.Fatalf("final reflection should be forced: %v", reflections[2].Payload)
	}
	if lc, _ := reflections[0].Payload["loop_count"].(int); lc != 1 {
		t.Fatalf("first reflection loop_count=%v, want 1", reflections[0].Payload["loop_count"])
	}
}

func TestRun_ProviderFailureFailsRun(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	llm.script("generate", fakeCompletion{err: &ProviderError{Backend: "anthropic", Err: errors.New("boom")}})

	col := &collectEvents{}
	r := newTestRun(llm, newFakeSearch(), DefaultEffortParams(EffortLow), col)
	res := r.execute(context.Background())

	if res.State != RunStateFailed {
		t.Fatalf("state=%q, want failed", res.State)
	}
	if res.ErrorKind != ErrorKindProvider {
		t.Fatalf("ErrorKind=%q, want provider", res.ErrorKind)
	}

	events := col.all()
	assertEventInvariants(t, events)
	if events[len(events)-1].Node != NodeFailed {
		t.Fatalf("terminal node=%q, want failed", events[len(events)-1].Node)
	}
	if kind, _ := events[len(events)-1].Payload["error_kind"].(string); kind != string(ErrorKindProvider) {
		t.Fatalf("terminal error_kind=%q", kind)
	}
}

func TestRun_UnparsableGenerationFailsRun(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	llm.script("generate", fakeCompletion{text: "no json here"})

	col := &collectEvents{}
	r := newTestRun(llm, newFakeSearch(), DefaultEffortParams(EffortLow), col)
	res := r.execute(context.Background())

	if res.State != RunStateFailed || res.ErrorKind != ErrorKindGeneration {
		t.Fatalf("state=%q kind=%q, want failed/generation", res.State, res.ErrorKind)
	}
	assertEventInvariants(t, col.all())
}

func TestRun_CancelStopsAtNodeBoundary(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	llm.script("generate", fakeCompletion{text: queriesJSON("slow query")})
	llm.script("reflect", fakeCompletion{text: verdictJSON(false, "next query")})
	llm.script("answer", fakeCompletion{text: "should never be produced"})

	search := newFakeSearch()
	search.add("slow query", websearch.ResultItem{Title: "S", URL: "https://s.test/1"})
	search.add("next query", websearch.ResultItem{Title: "N", URL: "https://n.test/1"})

	col := &collectEvents{}
	var r *run
	// Cancel while the research node is still being reported: the in-flight
	// node completes and the run stops at the next boundary.
	col.onNode = func(node string) {
		if node == NodeWebResearch {
			r.requestCancel("test cancel")
		}
	}
	r = newTestRun(llm, search, DefaultEffortParams(EffortMedium), col)
	res := r.execute(context.Background())

	if res.State != RunStateCanceled {
		t.Fatalf("state=%q, want canceled", res.State)
	}
	if res.FinalAnswer != "" {
		t.Fatalf("cancelled run produced a final answer")
	}

	events := col.all()
	assertEventInvariants(t, events)
	got := nodeSequence(events)
	want := []string{NodeGenerateQueries, NodeWebResearch, NodeCancelled}
	if len(got) != len(want) {
		t.Fatalf("nodes=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("nodes=%v, want %v", got, want)
		}
	}
}

func TestRun_PreCancelledEmitsOnlyTerminal(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	llm.script("generate", fakeCompletion{text: queriesJSON("never used")})

	col := &collectEvents{}
	r := newTestRun(llm, newFakeSearch(), DefaultEffortParams(EffortLow), col)
	r.requestCancel("queued cancel")
	res := r.execute(context.Background())

	if res.State != RunStateCanceled {
		t.Fatalf("state=%q, want canceled", res.State)
	}
	events := col.all()
	assertEventInvariants(t, events)
	if len(events) != 1 || events[0].Node != NodeCancelled {
		t.Fatalf("events=%v, want only the cancelled terminal", nodeSequence(events))
	}
	if llm.callCount("generate") != 0 {
		t.Fatalf("pre-cancelled run still called the model")
	}
}
