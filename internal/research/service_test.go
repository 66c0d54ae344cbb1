package research

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/floegence/deepsearch-agent/internal/config"
	"github.com/floegence/deepsearch-agent/internal/research/threadstore"
	"github.com/floegence/deepsearch-agent/internal/websearch"
)

func newTestService(t *testing.T, llm CompletionClient, search SearchClient) *Service {
	t.Helper()

	store, err := threadstore.Open(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.ResearchConfig{
		Providers:         []config.Provider{{ID: "p1", Type: config.ProviderTypeAnthropic}},
		DefaultModel:      config.ModelRef{ProviderID: "p1", ModelName: "model-x"},
		WebSearchProvider: config.WebSearchDisabled,
	}
	svc, err := NewService(Options{
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Research: cfg,
		Store:    store,
		LLM:      llm,
		Search:   search,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

// scriptedHappyPath wires one low-effort run: one query, one source, one answer.
func scriptedHappyPath(t *testing.T) (*fakeLLM, *fakeSearch) {
	t.Helper()
	llm := newFakeLLM()
	llm.script("generate", fakeCompletion{text: queriesJSON("test query")})
	llm.script("answer", fakeCompletion{text: "The answer [s1]."})
	search := newFakeSearch()
	search.add("test query", websearch.ResultItem{Title: "T", URL: "https://t.test/1", Snippet: "t"})
	return llm, search
}

func mustCreateThread(t *testing.T, svc *Service) string {
	t.Helper()
	view, err := svc.CreateThread(context.Background(), CreateThreadRequest{Title: "test"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return view.ThreadID
}

// subscribeTerminal returns a channel that receives the terminal event of the
// run id sent through runID (buffered, written before subscribing returns).
func subscribeTerminal(t *testing.T, svc *Service, threadID string) chan ProgressEvent {
	t.Helper()
	terminal := make(chan ProgressEvent, 4)
	sub, _, err := svc.SubscribeThread(threadID, func(ev ProgressEvent) error {
		if ev.Terminal {
			terminal <- ev
		}
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeThread: %v", err)
	}
	t.Cleanup(sub.Close)
	return terminal
}

func awaitTerminal(t *testing.T, ch chan ProgressEvent) ProgressEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not reach a terminal state")
		return ProgressEvent{}
	}
}

// awaitRunState polls until the persisted run leaves the running state.
// The terminal event is broadcast before the outcome is written, so tests
// must not read the store right after the event arrives.
func awaitRunState(t *testing.T, svc *Service, runID string) *threadstore.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		run, err := svc.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.State != string(RunStateRunning) {
			return run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s still running", runID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func awaitThreadStatus(t *testing.T, svc *Service, threadID string, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		view, err := svc.GetThread(context.Background(), threadID)
		if err != nil {
			t.Fatalf("GetThread: %v", err)
		}
		if view.RunStatus == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("thread run_status=%q, want %q", view.RunStatus, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestService_SubmitRunsToCompletion(t *testing.T) {
	t.Parallel()

	llm, search := scriptedHappyPath(t)
	svc := newTestService(t, llm, search)
	threadID := mustCreateThread(t, svc)
	terminal := subscribeTerminal(t, svc, threadID)

	resp, err := svc.Submit(context.Background(), SubmitRequest{
		ThreadID: threadID,
		Text:     "what is t?",
		Effort:   "low",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.RunID == "" || resp.ThreadID != threadID {
		t.Fatalf("resp=%+v", resp)
	}

	ev := awaitTerminal(t, terminal)
	if ev.Node != NodeCompleted || ev.RunID != resp.RunID {
		t.Fatalf("terminal=%+v, want completed for %s", ev, resp.RunID)
	}

	run := awaitRunState(t, svc, resp.RunID)
	if run.State != string(RunStateCompleted) {
		t.Fatalf("run state=%q", run.State)
	}
	if run.FinalAnswer != "The answer [s1]." {
		t.Fatalf("final answer=%q", run.FinalAnswer)
	}
	if run.LoopCount != 1 || run.SourceCount != 1 {
		t.Fatalf("loop=%d sources=%d, want 1/1", run.LoopCount, run.SourceCount)
	}
	if !strings.Contains(run.SourcesJSON, "https://t.test/1") {
		t.Fatalf("sources_json=%q missing the source", run.SourcesJSON)
	}

	// Both turns were persisted: the user question and the assistant answer.
	msgs, _, _, err := svc.ListThreadMessages(context.Background(), threadID, 10, 0)
	if err != nil {
		t.Fatalf("ListThreadMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Fatalf("messages=%+v, want user then assistant", msgs)
	}
	if msgs[1].RunID != resp.RunID {
		t.Fatalf("assistant message run_id=%q, want %q", msgs[1].RunID, resp.RunID)
	}

	// The persisted event log replays in seq order and ends with the terminal.
	events, err := svc.ListRunEvents(context.Background(), resp.RunID, 0, 100)
	if err != nil {
		t.Fatalf("ListRunEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("no persisted run events")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("event seq not increasing at %d: %+v", i, events)
		}
	}
	last := events[len(events)-1]
	if !last.Terminal || last.Node != NodeCompleted {
		t.Fatalf("last persisted event=%+v, want completed terminal", last)
	}

	awaitThreadStatus(t, svc, threadID, string(RunStateCompleted))
}

func TestService_SameThreadSubmitsQueue(t *testing.T) {
	t.Parallel()

	llm, search := scriptedHappyPath(t)
	block := make(chan struct{})
	search.block = block
	svc := newTestService(t, llm, search)
	threadID := mustCreateThread(t, svc)

	var order []string
	terminal := make(chan ProgressEvent, 4)
	sub, _, err := svc.SubscribeThread(threadID, func(ev ProgressEvent) error {
		order = append(order, ev.RunID+"/"+ev.Node)
		if ev.Terminal {
			terminal <- ev
		}
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeThread: %v", err)
	}
	defer sub.Close()

	first, err := svc.Submit(context.Background(), SubmitRequest{ThreadID: threadID, Text: "first", Effort: "low"})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// The second submit must wait behind the blocked first run.
	secondDone := make(chan SubmitResponse, 1)
	go func() {
		resp, err := svc.Submit(context.Background(), SubmitRequest{ThreadID: threadID, Text: "second", Effort: "low"})
		if err == nil {
			secondDone <- resp
		}
	}()

	select {
	case <-secondDone:
		t.Fatalf("second submit accepted while first run was in flight")
	case <-time.After(200 * time.Millisecond):
	}

	close(block)

	ev1 := awaitTerminal(t, terminal)
	if ev1.RunID != first.RunID || ev1.Node != NodeCompleted {
		t.Fatalf("first terminal=%+v", ev1)
	}

	var second SubmitResponse
	select {
	case second = <-secondDone:
	case <-time.After(10 * time.Second):
		t.Fatalf("second submit never accepted")
	}
	ev2 := awaitTerminal(t, terminal)
	if ev2.RunID != second.RunID || ev2.Node != NodeCompleted {
		t.Fatalf("second terminal=%+v", ev2)
	}

	// The handler runs on a single sink goroutine, so order is safe to read
	// once both terminals arrived. No second-run event may precede the first
	// run's terminal.
	firstTerminalAt := -1
	for i, s := range order {
		if s == first.RunID+"/"+NodeCompleted {
			firstTerminalAt = i
			break
		}
	}
	if firstTerminalAt < 0 {
		t.Fatalf("first terminal missing from order: %v", order)
	}
	for i, s := range order[:firstTerminalAt] {
		if strings.HasPrefix(s, second.RunID+"/") {
			t.Fatalf("second run event %q at %d before first run finished: %v", s, i, order)
		}
	}
}

func TestService_ConcurrentRunsAcrossThreads(t *testing.T) {
	t.Parallel()

	llm, search := scriptedHappyPath(t)
	block := make(chan struct{})
	search.block = block
	svc := newTestService(t, llm, search)

	threadA := mustCreateThread(t, svc)
	threadB := mustCreateThread(t, svc)
	terminalA := subscribeTerminal(t, svc, threadA)
	terminalB := subscribeTerminal(t, svc, threadB)

	respA, err := svc.Submit(context.Background(), SubmitRequest{ThreadID: threadA, Text: "a", Effort: "low"})
	if err != nil {
		t.Fatalf("Submit A: %v", err)
	}
	respB, err := svc.Submit(context.Background(), SubmitRequest{ThreadID: threadB, Text: "b", Effort: "low"})
	if err != nil {
		t.Fatalf("Submit B: %v", err)
	}

	// Both runs become active concurrently while their searches are stalled.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if svc.activeRunID(threadA) == respA.RunID && svc.activeRunID(threadB) == respB.RunID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("runs did not run concurrently: a=%q b=%q", svc.activeRunID(threadA), svc.activeRunID(threadB))
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(block)

	if ev := awaitTerminal(t, terminalA); ev.Node != NodeCompleted || ev.RunID != respA.RunID {
		t.Fatalf("thread A terminal=%+v", ev)
	}
	if ev := awaitTerminal(t, terminalB); ev.Node != NodeCompleted || ev.RunID != respB.RunID {
		t.Fatalf("thread B terminal=%+v", ev)
	}
}

func TestService_CancelActiveRun(t *testing.T) {
	t.Parallel()

	llm, search := scriptedHappyPath(t)
	block := make(chan struct{})
	search.block = block
	svc := newTestService(t, llm, search)
	threadID := mustCreateThread(t, svc)
	terminal := subscribeTerminal(t, svc, threadID)

	resp, err := svc.Submit(context.Background(), SubmitRequest{ThreadID: threadID, Text: "q", Effort: "medium"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait for the run to be in flight, then cancel and release the search.
	deadline := time.Now().Add(5 * time.Second)
	for svc.activeRunID(threadID) != resp.RunID {
		if time.Now().After(deadline) {
			t.Fatalf("run never became active")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := svc.CancelRun(resp.RunID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	close(block)

	ev := awaitTerminal(t, terminal)
	if ev.Node != NodeCancelled {
		t.Fatalf("terminal=%+v, want cancelled", ev)
	}
	run := awaitRunState(t, svc, resp.RunID)
	if run.State != string(RunStateCanceled) {
		t.Fatalf("run state=%q, want canceled", run.State)
	}
	if run.FinalAnswer != "" {
		t.Fatalf("cancelled run has a final answer: %q", run.FinalAnswer)
	}
}

func TestService_CancelUnknownRun(t *testing.T) {
	t.Parallel()

	llm, search := scriptedHappyPath(t)
	svc := newTestService(t, llm, search)
	if err := svc.CancelRun("run_missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err=%v, want ErrRunNotFound", err)
	}
}

func TestService_SubmitUnknownThread(t *testing.T) {
	t.Parallel()

	llm, search := scriptedHappyPath(t)
	svc := newTestService(t, llm, search)
	if _, err := svc.Submit(context.Background(), SubmitRequest{ThreadID: "th_missing", Text: "q"}); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("err=%v, want ErrThreadNotFound", err)
	}
}

func TestService_DeleteThreadWithActiveRunRefused(t *testing.T) {
	t.Parallel()

	llm, search := scriptedHappyPath(t)
	block := make(chan struct{})
	search.block = block
	svc := newTestService(t, llm, search)
	threadID := mustCreateThread(t, svc)
	terminal := subscribeTerminal(t, svc, threadID)

	resp, err := svc.Submit(context.Background(), SubmitRequest{ThreadID: threadID, Text: "q", Effort: "low"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for svc.activeRunID(threadID) != resp.RunID {
		if time.Now().After(deadline) {
			t.Fatalf("run never became active")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := svc.DeleteThread(context.Background(), threadID); err == nil {
		t.Fatalf("delete succeeded with an active run")
	}

	close(block)
	awaitTerminal(t, terminal)
	deadline = time.Now().Add(5 * time.Second)
	for svc.activeRunID(threadID) != "" {
		if time.Now().After(deadline) {
			t.Fatalf("run never deregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := svc.DeleteThread(context.Background(), threadID); err != nil {
		t.Fatalf("DeleteThread after run: %v", err)
	}
	if _, err := svc.GetThread(context.Background(), threadID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("err=%v, want ErrThreadNotFound", err)
	}
}

func TestService_ListThreadsPaginates(t *testing.T) {
	t.Parallel()

	llm, search := scriptedHappyPath(t)
	svc := newTestService(t, llm, search)
	for i := 0; i < 3; i++ {
		mustCreateThread(t, svc)
	}

	page1, err := svc.ListThreads(context.Background(), 2, "")
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(page1.Threads) != 2 || page1.NextCursor == "" {
		t.Fatalf("page1=%+v", page1)
	}
	page2, err := svc.ListThreads(context.Background(), 2, page1.NextCursor)
	if err != nil {
		t.Fatalf("ListThreads page 2: %v", err)
	}
	if len(page2.Threads) != 1 {
		t.Fatalf("page2=%+v, want the remaining thread", page2)
	}
	seen := map[string]bool{}
	for _, v := range append(page1.Threads, page2.Threads...) {
		if seen[v.ThreadID] {
			t.Fatalf("thread %s repeated across pages", v.ThreadID)
		}
		seen[v.ThreadID] = true
	}
}

func TestService_NotConfigured(t *testing.T) {
	t.Parallel()

	store, err := threadstore.Open(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc, err := NewService(Options{
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store: store,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)

	if svc.Enabled() {
		t.Fatalf("service enabled without research config")
	}
	if _, err := svc.Submit(context.Background(), SubmitRequest{ThreadID: "th_x", Text: "q"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v, want ErrNotConfigured", err)
	}
}
