package research

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/floegence/deepsearch-agent/internal/config"
	"github.com/floegence/deepsearch-agent/internal/eventlog"
	"github.com/floegence/deepsearch-agent/internal/research/threadstore"
)

const (
	defaultPersistOpTimeout = 5 * time.Second
	historyWindow           = 50
	maxSubmitTextLen        = 32 * 1024
)

// Options configures the research service.
type Options struct {
	Log *slog.Logger

	Research *config.ResearchConfig

	Store    *threadstore.Store
	EventLog *eventlog.Store

	// ResolveKey resolves API keys by secret id (provider id or "websearch").
	ResolveKey KeyResolver

	// LLM and Search override the config-derived clients. Tests use fakes here.
	LLM    CompletionClient
	Search SearchClient
}

// Service is the research orchestrator: it owns thread actors, run execution,
// persistence and event fan-out. One Service per process.
type Service struct {
	log *slog.Logger
	cfg *config.ResearchConfig

	store    *threadstore.Store
	eventLog *eventlog.Store

	llm    CompletionClient
	search SearchClient

	persistOpTO time.Duration

	threads *threadManager

	mu            sync.Mutex
	closed        bool
	runs          map[string]*run   // run_id -> in-flight or queued run
	activeRunByTh map[string]string // thread_id -> executing run_id
	subsByThread  map[string]map[*Subscription]struct{}
}

func NewService(opts Options) (*Service, error) {
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Store == nil {
		return nil, errors.New("missing thread store")
	}

	s := &Service{
		log:           logger,
		cfg:           opts.Research,
		store:         opts.Store,
		eventLog:      opts.EventLog,
		llm:           opts.LLM,
		search:        opts.Search,
		persistOpTO:   defaultPersistOpTimeout,
		runs:          make(map[string]*run),
		activeRunByTh: make(map[string]string),
		subsByThread:  make(map[string]map[*Subscription]struct{}),
	}
	if s.llm == nil && s.cfg != nil {
		s.llm = NewCompletionClient(s.cfg, opts.ResolveKey)
	}
	if s.search == nil && s.cfg != nil && s.cfg.EffectiveWebSearchProvider() != config.WebSearchDisabled {
		s.search = NewProviderSearchClient(s.cfg.EffectiveWebSearchProvider(), s.cfg.GoogleSearchEngineID, opts.ResolveKey)
	}
	s.threads = newThreadManager(s)
	return s, nil
}

// Enabled reports whether the service has a usable research configuration.
func (s *Service) Enabled() bool {
	return s != nil && s.cfg != nil && s.llm != nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	// Flag every registered run; in-flight nodes complete, then the runs stop.
	for _, r := range s.runs {
		r.requestCancel("service shutdown")
	}
	subs := make([]*Subscription, 0)
	for _, bySub := range s.subsByThread {
		for sub := range bySub {
			subs = append(subs, sub)
		}
	}
	s.subsByThread = make(map[string]map[*Subscription]struct{})
	s.mu.Unlock()

	s.threads.Close()
	for _, sub := range subs {
		sub.w.Close()
	}
}

// --- thread operations ---

func (s *Service) CreateThread(ctx context.Context, req CreateThreadRequest) (*ThreadView, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	threadID, err := NewThreadID()
	if err != nil {
		return nil, err
	}
	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" && s.cfg != nil {
		modelID = s.cfg.DefaultModel.ID()
	}

	now := nowUnixMs()
	t := threadstore.Thread{
		ThreadID:        threadID,
		ModelID:         modelID,
		Title:           truncateRunes(strings.TrimSpace(req.Title), 200),
		RunStatus:       "idle",
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}
	tctx, cancel := context.WithTimeout(ctx, s.persistOpTO)
	defer cancel()
	if err := s.store.CreateThread(tctx, t); err != nil {
		return nil, err
	}
	view := threadView(t, "")
	return &view, nil
}

func (s *Service) GetThread(ctx context.Context, threadID string) (*ThreadView, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithTimeout(ctx, s.persistOpTO)
	defer cancel()
	t, err := s.store.GetThread(tctx, threadID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrThreadNotFound
	}
	view := threadView(*t, s.activeRunID(t.ThreadID))
	return &view, nil
}

func (s *Service) ListThreads(ctx context.Context, limit int, cursor string) (*ListThreadsResponse, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c, ok := threadstore.DecodeCursor(cursor)
	if !ok {
		return nil, errors.New("invalid cursor")
	}
	tctx, cancel := context.WithTimeout(ctx, s.persistOpTO)
	defer cancel()
	threads, next, err := s.store.ListThreads(tctx, limit, c)
	if err != nil {
		return nil, err
	}
	out := make([]ThreadView, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadView(t, s.activeRunID(t.ThreadID)))
	}
	return &ListThreadsResponse{Threads: out, NextCursor: next}, nil
}

func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.store == nil {
		return errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if s.activeRunID(threadID) != "" {
		return errors.New("thread has an active run")
	}
	tctx, cancel := context.WithTimeout(ctx, s.persistOpTO)
	defer cancel()
	return s.store.DeleteThread(tctx, threadID)
}

func (s *Service) ListThreadMessages(ctx context.Context, threadID string, limit int, beforeID int64) ([]threadstore.Message, int64, bool, error) {
	if s == nil || s.store == nil {
		return nil, 0, false, errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithTimeout(ctx, s.persistOpTO)
	defer cancel()
	return s.store.ListMessages(tctx, threadID, limit, beforeID)
}

func threadView(t threadstore.Thread, activeRunID string) ThreadView {
	status := strings.TrimSpace(t.RunStatus)
	if activeRunID != "" {
		status = string(RunStateRunning)
	}
	return ThreadView{
		ThreadID:            t.ThreadID,
		Title:               t.Title,
		ModelID:             t.ModelID,
		RunStatus:           status,
		RunError:            t.RunError,
		CreatedAtUnixMs:     t.CreatedAtUnixMs,
		UpdatedAtUnixMs:     t.UpdatedAtUnixMs,
		LastMessageAtUnixMs: t.LastMessageAtUnixMs,
		LastMessagePreview:  t.LastMessagePreview,
	}
}

func (s *Service) activeRunID(threadID string) string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.activeRunByTh[strings.TrimSpace(threadID)])
}

// --- run operations ---

// Submit starts a research run for one user turn. The call returns once the
// run is accepted; execution happens on the thread's actor, so a second
// submit on the same thread queues behind the first.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if s == nil {
		return SubmitResponse{}, errors.New("service not ready")
	}
	if !s.Enabled() {
		return SubmitResponse{}, ErrNotConfigured
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return SubmitResponse{}, ErrServiceClosed
	}

	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		return SubmitResponse{}, errors.New("missing thread_id")
	}
	actor := s.threads.Get(threadID)
	if actor == nil {
		return SubmitResponse{}, ErrServiceClosed
	}
	return actor.Submit(ctx, req)
}

// CancelRun requests cooperative cancellation. The in-flight node completes;
// the run stops at the next node boundary. Terminal runs are unaffected.
func (s *Service) CancelRun(runID string) error {
	if s == nil {
		return errors.New("service not ready")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("missing run_id")
	}
	s.mu.Lock()
	r := s.runs[runID]
	s.mu.Unlock()
	if r == nil {
		return ErrRunNotFound
	}
	r.requestCancel("user request")
	return nil
}

func (s *Service) GetRun(ctx context.Context, runID string) (*threadstore.Run, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithTimeout(ctx, s.persistOpTO)
	defer cancel()
	r, err := s.store.GetRun(tctx, runID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRunNotFound
	}
	return r, nil
}

// ListRunEvents replays persisted events for a run in seq order.
func (s *Service) ListRunEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]threadstore.RunEventRecord, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithTimeout(ctx, s.persistOpTO)
	defer cancel()
	return s.store.ListRunEvents(tctx, runID, afterSeq, limit)
}

// pendingRun is an accepted submit waiting for (or in) execution on its
// thread actor.
type pendingRun struct {
	runID    string
	threadID string
	r        *run
}

// prepareRun validates a submit, persists the user turn, registers the run
// and returns it ready to execute. Called from the thread actor only.
func (s *Service) prepareRun(ctx context.Context, req SubmitRequest) (*pendingRun, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("service not ready")
	}
	if !s.Enabled() {
		return nil, ErrNotConfigured
	}

	threadID := strings.TrimSpace(req.ThreadID)
	text := strings.TrimSpace(req.Text)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	if text == "" {
		return nil, errors.New("missing text")
	}
	if len(text) > maxSubmitTextLen {
		return nil, errors.New("text too long")
	}

	tctx, cancel := context.WithTimeout(ctx, s.persistOpTO)
	th, err := s.store.GetThread(tctx, threadID)
	cancel()
	if err != nil {
		return nil, err
	}
	if th == nil {
		return nil, ErrThreadNotFound
	}

	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = strings.TrimSpace(th.ModelID)
	}
	if modelID == "" {
		modelID = s.cfg.DefaultModel.ID()
	}
	if _, _, ok := splitModelID(modelID); !ok {
		return nil, errors.New("invalid model id")
	}

	effort := NormalizeEffort(req.Effort)
	params := s.effortParamsFor(effort)

	msgID, err := newMessageID()
	if err != nil {
		return nil, err
	}
	now := nowUnixMs()
	tctx, cancel = context.WithTimeout(ctx, s.persistOpTO)
	_, err = s.store.AppendMessage(tctx, threadID, threadstore.Message{
		MessageID:       msgID,
		Role:            RoleUser,
		CreatedAtUnixMs: now,
		TextContent:     text,
	})
	cancel()
	if err != nil {
		return nil, err
	}

	history, err := s.loadHistory(ctx, threadID)
	if err != nil {
		return nil, err
	}

	runID, err := NewRunID()
	if err != nil {
		return nil, err
	}

	tctx, cancel = context.WithTimeout(ctx, s.persistOpTO)
	err = s.store.CreateRun(tctx, threadstore.Run{
		RunID:    runID,
		ThreadID: threadID,
		ModelID:  modelID,
		Effort:   string(effort),
		State:    string(RunStateRunning),
	})
	cancel()
	if err != nil {
		return nil, err
	}

	r := newRun(runOptions{
		Log:          s.log,
		RunID:        runID,
		ThreadID:     threadID,
		Model:        modelID,
		Params:       params,
		Messages:     history,
		LLM:          s.llm,
		Search:       s.search,
		NodeTimeout:  s.cfg.EffectiveNodeTimeout(),
		QueryTimeout: s.cfg.EffectiveQueryTimeout(),
		MaxWallTime:  s.cfg.EffectiveRunMaxWallTime(),
		OnEvent:      s.onRunEvent,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}
	s.runs[runID] = r
	s.mu.Unlock()

	s.log.Info("research run accepted",
		"thread_id", threadID,
		"run_id", runID,
		"model_id", modelID,
		"effort", string(effort),
		"max_loops", params.MaxResearchLoops,
		"queries_per_round", params.QueriesPerRound,
	)
	return &pendingRun{runID: runID, threadID: threadID, r: r}, nil
}

// executeRun drives one prepared run to its terminal state and persists the
// outcome. Called from the thread actor loop, so runs on a thread serialize.
func (s *Service) executeRun(p *pendingRun) {
	if s == nil || p == nil || p.r == nil {
		return
	}

	s.mu.Lock()
	s.activeRunByTh[p.threadID] = p.runID
	s.mu.Unlock()

	started := time.Now()
	res := p.r.execute(context.Background())

	s.mu.Lock()
	delete(s.runs, p.runID)
	if s.activeRunByTh[p.threadID] == p.runID {
		delete(s.activeRunByTh, p.threadID)
	}
	s.mu.Unlock()

	sourcesJSON := ""
	if srcs := p.r.state.orderedSources(); len(srcs) > 0 {
		if b, err := json.Marshal(srcs); err == nil {
			sourcesJSON = string(b)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.persistOpTO)
	defer cancel()

	if res.State == RunStateCompleted && strings.TrimSpace(res.FinalAnswer) != "" {
		if msgID, err := newMessageID(); err == nil {
			if _, err := s.store.AppendMessage(ctx, p.threadID, threadstore.Message{
				MessageID:       msgID,
				Role:            RoleAssistant,
				RunID:           p.runID,
				CreatedAtUnixMs: nowUnixMs(),
				TextContent:     res.FinalAnswer,
			}); err != nil {
				s.log.Warn("persist assistant message failed", "run_id", p.runID, "error", err)
			}
		}
	}

	if err := s.store.FinishRun(ctx, threadstore.Run{
		RunID:        p.runID,
		State:        string(res.State),
		ErrorKind:    string(res.ErrorKind),
		ErrorMessage: res.ErrorMessage,
		FinalAnswer:  res.FinalAnswer,
		SourcesJSON:  sourcesJSON,
		LoopCount:    res.LoopCount,
		SourceCount:  res.SourceCount,
	}); err != nil {
		s.log.Warn("persist run outcome failed", "run_id", p.runID, "error", err)
	}
	if err := s.store.UpdateThreadRunState(ctx, p.threadID, string(res.State), res.ErrorMessage); err != nil {
		s.log.Warn("persist thread run state failed", "thread_id", p.threadID, "error", err)
	}

	s.log.Info("research run finished",
		"thread_id", p.threadID,
		"run_id", p.runID,
		"state", string(res.State),
		"loop_count", res.LoopCount,
		"source_count", res.SourceCount,
		"took_ms", time.Since(started).Milliseconds(),
	)
}

// onRunEvent is the run's event hook: fan out to subscribers, persist to the
// SQLite event table and mirror to the JSONL run log.
func (s *Service) onRunEvent(ev ProgressEvent) {
	if s == nil {
		return
	}
	s.broadcastEvent(ev)

	payloadJSON := ""
	if len(ev.Payload) > 0 {
		if b, err := json.Marshal(ev.Payload); err == nil {
			payloadJSON = truncateRunes(string(b), 6000)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistOpTO)
	if err := s.store.AppendRunEvent(ctx, threadstore.RunEventRecord{
		ThreadID:    ev.ThreadID,
		RunID:       ev.RunID,
		Seq:         int64(ev.Seq),
		Node:        ev.Node,
		Terminal:    ev.Terminal,
		PayloadJSON: payloadJSON,
		AtUnixMs:    ev.AtUnixMs,
	}); err != nil {
		s.log.Warn("persist run event failed", "run_id", ev.RunID, "seq", ev.Seq, "error", err)
	}
	cancel()

	if s.eventLog != nil {
		errKind, _ := ev.Payload["error_kind"].(string)
		errMsg, _ := ev.Payload["error"].(string)
		s.eventLog.Append(eventlog.Entry{
			ThreadID:  ev.ThreadID,
			RunID:     ev.RunID,
			Node:      ev.Node,
			Seq:       ev.Seq,
			Terminal:  ev.Terminal,
			ErrorKind: errKind,
			Error:     errMsg,
			Payload:   ev.Payload,
		})
	}
}

func (s *Service) effortParamsFor(effort Effort) EffortParams {
	params := DefaultEffortParams(effort)
	if s == nil || s.cfg == nil || len(s.cfg.EffortPresets) == 0 {
		return params
	}
	if p, ok := s.cfg.EffortPresets[string(effort)]; ok {
		if p.MaxResearchLoops > 0 {
			params.MaxResearchLoops = p.MaxResearchLoops
		}
		if p.QueriesPerRound > 0 {
			params.QueriesPerRound = p.QueriesPerRound
		}
	}
	return params
}

// loadHistory returns the latest turns of a thread as run input, oldest first.
func (s *Service) loadHistory(ctx context.Context, threadID string) ([]Message, error) {
	tctx, cancel := context.WithTimeout(ctx, s.persistOpTO)
	defer cancel()
	msgs, _, _, err := s.store.ListMessages(tctx, threadID, historyWindow, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{
			Role:            m.Role,
			Text:            m.TextContent,
			CreatedAtUnixMs: m.CreatedAtUnixMs,
		})
	}
	return out, nil
}
