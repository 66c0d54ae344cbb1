package research

import (
	"context"
	"testing"
)

func TestReflect_ForcedAtBoundWithoutModelCall(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	col := &collectEvents{}
	r := newTestRun(llm, newFakeSearch(), EffortParams{MaxResearchLoops: 1, QueriesPerRound: 1}, col)

	dec, err := r.reflect(context.Background())
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if !dec.Sufficient || !dec.Forced {
		t.Fatalf("decision=%+v, want forced sufficiency", dec)
	}
	if r.state.ResearchLoopCount != 1 {
		t.Fatalf("ResearchLoopCount=%d, want 1", r.state.ResearchLoopCount)
	}
	if llm.callCount("reflect") != 0 {
		t.Fatalf("forced reflection consulted the model")
	}
}

func TestReflect_InsufficientReturnsDedupedFollowUps(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	llm.script("reflect", fakeCompletion{text: verdictJSON(false, "fresh query", "Fresh Query", "already asked")})

	col := &collectEvents{}
	r := newTestRun(llm, newFakeSearch(), DefaultEffortParams(EffortMedium), col)
	r.state.appendQueries([]string{"already asked"})

	dec, err := r.reflect(context.Background())
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if dec.Sufficient {
		t.Fatalf("decision sufficient, want follow-up round")
	}
	if len(dec.FollowUpQueries) != 1 || dec.FollowUpQueries[0] != "fresh query" {
		t.Fatalf("FollowUpQueries=%v, want the single fresh query", dec.FollowUpQueries)
	}
	if r.state.ResearchLoopCount != 1 {
		t.Fatalf("ResearchLoopCount=%d, want 1", r.state.ResearchLoopCount)
	}
}

func TestReflect_AllDuplicateFollowUpsForcesSufficiency(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	llm.script("reflect", fakeCompletion{text: verdictJSON(false, "already asked", "ALREADY ASKED?")})

	col := &collectEvents{}
	r := newTestRun(llm, newFakeSearch(), DefaultEffortParams(EffortMedium), col)
	r.state.appendQueries([]string{"already asked"})

	dec, err := r.reflect(context.Background())
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if !dec.Sufficient {
		t.Fatalf("all-duplicate follow-ups must end the loop, got %+v", dec)
	}
}

func TestReflect_SufficientVerdict(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	llm.script("reflect", fakeCompletion{text: verdictJSON(true)})

	col := &collectEvents{}
	r := newTestRun(llm, newFakeSearch(), DefaultEffortParams(EffortHigh), col)

	dec, err := r.reflect(context.Background())
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if !dec.Sufficient || dec.Forced {
		t.Fatalf("decision=%+v, want unforced sufficiency", dec)
	}
}

func TestReflect_UnparsableVerdictIsGenerationError(t *testing.T) {
	t.Parallel()

	llm := newFakeLLM()
	llm.script("reflect", fakeCompletion{text: "not a verdict"})

	col := &collectEvents{}
	r := newTestRun(llm, newFakeSearch(), DefaultEffortParams(EffortMedium), col)

	if _, err := r.reflect(context.Background()); classifyErrorKind(err) != ErrorKindGeneration {
		t.Fatalf("err=%v, want generation kind", err)
	}
}
