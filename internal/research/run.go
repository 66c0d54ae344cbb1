package research

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// runPhase is the closed set of state-machine phases. Transitions:
// generating -> researching -> reflecting -> {researching | finalizing}.
type runPhase int

const (
	phaseGenerating runPhase = iota
	phaseResearching
	phaseReflecting
	phaseFinalizing
)

const (
	defaultNodeTimeout  = 2 * time.Minute
	defaultQueryTimeout = 20 * time.Second
	defaultMaxWallTime  = 15 * time.Minute
)

type runOptions struct {
	Log *slog.Logger

	RunID    string
	ThreadID string

	Model  string
	Params EffortParams

	Messages []Message

	LLM    CompletionClient
	Search SearchClient

	NodeTimeout  time.Duration
	QueryTimeout time.Duration
	MaxWallTime  time.Duration

	OnEvent func(ProgressEvent)
}

// RunResult summarizes a finished run for persistence and API responses.
type RunResult struct {
	State        RunState
	FinalAnswer  string
	ErrorKind    ErrorKind
	ErrorMessage string
	LoopCount    int
	SourceCount  int
}

type run struct {
	log *slog.Logger

	id       string
	threadID string
	model    string

	llm    CompletionClient
	search SearchClient
	params EffortParams

	nodeTimeout  time.Duration
	queryTimeout time.Duration
	maxWallTime  time.Duration

	state   *OverallState
	onEvent func(ProgressEvent)

	seq uint64

	muCancel        sync.Mutex
	cancelRequested bool
	cancelReason    string
}

func newRun(opts runOptions) *run {
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	nodeTO := opts.NodeTimeout
	if nodeTO <= 0 {
		nodeTO = defaultNodeTimeout
	}
	queryTO := opts.QueryTimeout
	if queryTO <= 0 {
		queryTO = defaultQueryTimeout
	}
	maxWall := opts.MaxWallTime
	if maxWall <= 0 {
		maxWall = defaultMaxWallTime
	}
	return &run{
		log:          logger.With("run_id", strings.TrimSpace(opts.RunID), "thread_id", strings.TrimSpace(opts.ThreadID)),
		id:           strings.TrimSpace(opts.RunID),
		threadID:     strings.TrimSpace(opts.ThreadID),
		model:        strings.TrimSpace(opts.Model),
		llm:          opts.LLM,
		search:       opts.Search,
		params:       opts.Params,
		nodeTimeout:  nodeTO,
		queryTimeout: queryTO,
		maxWallTime:  maxWall,
		state:        newOverallState(opts.Messages, opts.Params),
		onEvent:      opts.OnEvent,
	}
}

// requestCancel marks the run for cooperative cancellation. The in-flight
// node always completes; the run stops at the next node boundary.
func (r *run) requestCancel(reason string) {
	if r == nil {
		return
	}
	r.muCancel.Lock()
	if !r.cancelRequested {
		r.cancelRequested = true
		r.cancelReason = strings.TrimSpace(reason)
	}
	r.muCancel.Unlock()
}

func (r *run) isCancelRequested() bool {
	if r == nil {
		return false
	}
	r.muCancel.Lock()
	v := r.cancelRequested
	r.muCancel.Unlock()
	return v
}

func (r *run) emit(node string, terminal bool, payload map[string]any) {
	if r == nil || r.onEvent == nil {
		return
	}
	r.seq++
	r.onEvent(ProgressEvent{
		ThreadID: r.threadID,
		RunID:    r.id,
		Node:     node,
		Seq:      r.seq,
		AtUnixMs: nowUnixMs(),
		Terminal: terminal,
		Payload:  payload,
	})
}

// execute drives the state machine to exactly one terminal event.
//
// Node boundaries are the only cancellation points. Per-node timeouts abort
// only that node's outstanding calls; the wall-clock budget caps the run.
func (r *run) execute(ctx context.Context) RunResult {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(ctx, r.maxWallTime)
	defer cancel()

	phase := phaseGenerating
	var roundQueries []string

	for {
		if r.isCancelRequested() {
			return r.finishCancelled()
		}
		if runCtx.Err() != nil {
			return r.finishFailed(ErrorKindTimeout, "run budget exhausted")
		}

		switch phase {
		case phaseGenerating:
			nctx, ncancel := context.WithTimeout(runCtx, r.nodeTimeout)
			queries, err := r.generateQueries(nctx)
			ncancel()
			if err != nil {
				return r.finishFailed(classifyErrorKind(err), err.Error())
			}
			r.state.appendQueries(queries)
			r.emit(NodeGenerateQueries, false, map[string]any{
				"queries": queries,
			})
			roundQueries = queries
			phase = phaseResearching

		case phaseResearching:
			nctx, ncancel := context.WithTimeout(runCtx, r.nodeTimeout)
			added, failed := r.researchRound(nctx, roundQueries)
			ncancel()
			r.emit(NodeWebResearch, false, map[string]any{
				"queries_run":    len(roundQueries),
				"sources_added":  len(added),
				"source_count":   r.state.sourceCount(),
				"failed_queries": failed,
			})
			phase = phaseReflecting

		case phaseReflecting:
			nctx, ncancel := context.WithTimeout(runCtx, r.nodeTimeout)
			dec, err := r.reflect(nctx)
			ncancel()
			if err != nil {
				return r.finishFailed(classifyErrorKind(err), err.Error())
			}
			r.emit(NodeReflection, false, map[string]any{
				"sufficient":        dec.Sufficient,
				"forced":            dec.Forced,
				"loop_count":        r.state.ResearchLoopCount,
				"max_loops":         r.state.MaxResearchLoops,
				"follow_up_queries": dec.FollowUpQueries,
			})
			if dec.Sufficient {
				phase = phaseFinalizing
				continue
			}
			r.state.appendQueries(dec.FollowUpQueries)
			roundQueries = dec.FollowUpQueries
			phase = phaseResearching

		case phaseFinalizing:
			nctx, ncancel := context.WithTimeout(runCtx, r.nodeTimeout)
			answer, err := r.finalize(nctx)
			ncancel()
			if err != nil {
				return r.finishFailed(classifyErrorKind(err), err.Error())
			}
			return r.finishCompleted(answer)
		}
	}
}

func (r *run) finishCompleted(answer string) RunResult {
	r.emit(NodeCompleted, true, map[string]any{
		"final_answer": answer,
		"loop_count":   r.state.ResearchLoopCount,
		"source_count": r.state.sourceCount(),
		"diag":         resourceSnapshot(),
	})
	return RunResult{
		State:       RunStateCompleted,
		FinalAnswer: answer,
		LoopCount:   r.state.ResearchLoopCount,
		SourceCount: r.state.sourceCount(),
	}
}

func (r *run) finishFailed(kind ErrorKind, msg string) RunResult {
	msg = strings.TrimSpace(msg)
	r.log.Warn("research run failed", "error_kind", string(kind), "error", msg)
	r.emit(NodeFailed, true, map[string]any{
		"error_kind": string(kind),
		"error":      msg,
		"diag":       resourceSnapshot(),
	})
	state := RunStateFailed
	if kind == ErrorKindTimeout {
		state = RunStateTimedOut
	}
	return RunResult{
		State:        state,
		ErrorKind:    kind,
		ErrorMessage: msg,
		LoopCount:    r.state.ResearchLoopCount,
		SourceCount:  r.state.sourceCount(),
	}
}

func (r *run) finishCancelled() RunResult {
	r.muCancel.Lock()
	reason := r.cancelReason
	r.muCancel.Unlock()
	r.emit(NodeCancelled, true, map[string]any{
		"reason": reason,
	})
	return RunResult{
		State:       RunStateCanceled,
		LoopCount:   r.state.ResearchLoopCount,
		SourceCount: r.state.sourceCount(),
	}
}
