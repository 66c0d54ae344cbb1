package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/floegence/deepsearch-agent/internal/websearch"
)

// fakeLLM scripts completions per node, keyed on the system prompt. Each key
// holds a queue; calls past the end repeat the last entry.
type fakeLLM struct {
	mu      sync.Mutex
	scripts map[string][]fakeCompletion
	calls   map[string]int
}

type fakeCompletion struct {
	text string
	err  error
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		scripts: make(map[string][]fakeCompletion),
		calls:   make(map[string]int),
	}
}

func (f *fakeLLM) script(key string, c fakeCompletion) {
	f.mu.Lock()
	f.scripts[key] = append(f.scripts[key], c)
	f.mu.Unlock()
}

func (f *fakeLLM) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func keyForRequest(req CompletionRequest) string {
	switch {
	case strings.Contains(req.System, "research planner"):
		return "generate"
	case strings.Contains(req.System, "research critic"):
		return "reflect"
	case strings.Contains(req.System, "research writer"):
		return "answer"
	default:
		return "unknown"
	}
}

func (f *fakeLLM) Complete(_ context.Context, req CompletionRequest) (CompletionResult, error) {
	key := keyForRequest(req)
	f.mu.Lock()
	idx := f.calls[key]
	f.calls[key]++
	queue := f.scripts[key]
	f.mu.Unlock()

	if len(queue) == 0 {
		return CompletionResult{}, fmt.Errorf("no script for %q", key)
	}
	if idx >= len(queue) {
		idx = len(queue) - 1
	}
	c := queue[idx]
	if c.err != nil {
		return CompletionResult{}, c.err
	}
	return CompletionResult{Text: c.text}, nil
}

// fakeSearch returns canned results per query; unknown queries error.
type fakeSearch struct {
	mu      sync.Mutex
	results map[string][]websearch.ResultItem
	errs    map[string]error
	calls   []string
	block   chan struct{} // when set, Search waits until closed
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{
		results: make(map[string][]websearch.ResultItem),
		errs:    make(map[string]error),
	}
}

func (f *fakeSearch) add(query string, items ...websearch.ResultItem) {
	f.mu.Lock()
	f.results[query] = items
	f.mu.Unlock()
}

func (f *fakeSearch) fail(query string, err error) {
	f.mu.Lock()
	f.errs[query] = err
	f.mu.Unlock()
}

func (f *fakeSearch) Search(ctx context.Context, query string, _ int) ([]websearch.ResultItem, error) {
	f.mu.Lock()
	f.calls = append(f.calls, query)
	block := f.block
	err := f.errs[query]
	items := f.results[query]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if items == nil {
		return nil, errors.New("unscripted query")
	}
	return items, nil
}

func queriesJSON(queries ...string) string {
	quoted := make([]string, 0, len(queries))
	for _, q := range queries {
		quoted = append(quoted, fmt.Sprintf("%q", q))
	}
	return fmt.Sprintf(`{"queries":[%s]}`, strings.Join(quoted, ","))
}

func verdictJSON(sufficient bool, followUps ...string) string {
	quoted := make([]string, 0, len(followUps))
	for _, q := range followUps {
		quoted = append(quoted, fmt.Sprintf("%q", q))
	}
	return fmt.Sprintf(`{"sufficient":%v,"follow_up_queries":[%s]}`, sufficient, strings.Join(quoted, ","))
}

// collectEvents is a synchronous OnEvent hook for run tests.
type collectEvents struct {
	mu     sync.Mutex
	events []ProgressEvent
	onNode func(node string)
}

func (c *collectEvents) hook(ev ProgressEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	cb := c.onNode
	c.mu.Unlock()
	if cb != nil {
		cb(ev.Node)
	}
}

func (c *collectEvents) all() []ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ProgressEvent(nil), c.events...)
}
