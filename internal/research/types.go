package research

// This package implements the research-agent orchestrator core.
//
// Design notes:
// - A run is a finite-state machine (generate -> research -> reflect -> finalize)
//   over an OverallState owned by exactly one run at a time.
// - Per-thread serialization is provided by thread actors; runs on different
//   threads execute concurrently.
// - Progress events are broadcast to subscribers with drop-on-full semantics;
//   delivery guarantees beyond per-run ordering are the relay's problem.

import (
	"strings"
	"time"
)

// Role values for thread messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a thread's conversation. Immutable once appended.
type Message struct {
	Role            string `json:"role"`
	Text            string `json:"text"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// Source is one grounded web result accumulated during a run.
//
// ID is a short per-run citation key ("s1", "s2", ...) in insertion order so
// the finalizer can reference sources inline.
type Source struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet,omitempty"`
	UsedCount int    `json:"used_count"`
}

// Effort is the caller-selected research depth/breadth preset.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// EffortParams are the numeric bounds derived from an Effort level.
// They are fixed at run start and immutable thereafter.
type EffortParams struct {
	MaxResearchLoops int `json:"max_research_loops"`
	QueriesPerRound  int `json:"queries_per_round"`
}

func NormalizeEffort(raw string) Effort {
	switch Effort(strings.TrimSpace(strings.ToLower(raw))) {
	case EffortLow:
		return EffortLow
	case EffortHigh:
		return EffortHigh
	default:
		return EffortMedium
	}
}

// DefaultEffortParams returns the built-in mapping for an effort level.
// Config presets may override these per deployment.
func DefaultEffortParams(e Effort) EffortParams {
	switch e {
	case EffortLow:
		return EffortParams{MaxResearchLoops: 1, QueriesPerRound: 1}
	case EffortHigh:
		return EffortParams{MaxResearchLoops: 5, QueriesPerRound: 5}
	default:
		return EffortParams{MaxResearchLoops: 3, QueriesPerRound: 3}
	}
}

// RunState is the normalized lifecycle state of a single run.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCanceled  RunState = "canceled"
	RunStateTimedOut  RunState = "timed_out"
)

func NormalizeRunState(raw string) RunState {
	v := strings.TrimSpace(strings.ToLower(raw))
	switch RunState(v) {
	case RunStateRunning, RunStateCompleted, RunStateFailed, RunStateCanceled, RunStateTimedOut:
		return RunState(v)
	default:
		return RunStateFailed
	}
}

func IsActiveRunState(raw string) bool {
	return NormalizeRunState(raw) == RunStateRunning
}

// Node names carried on progress events. One event is emitted per completed
// node; terminal nodes end the stream for a run.
const (
	NodeGenerateQueries = "generate_queries"
	NodeWebResearch     = "web_research"
	NodeReflection      = "reflection"

	NodeCompleted = "completed"
	NodeFailed    = "failed"
	NodeCancelled = "cancelled"
)

// ProgressEvent is an ordered, append-only notification of run advancement.
//
// Seq is strictly increasing within a run. Consumers must tolerate gaps
// (subscriber queues drop on overflow) but never reordering.
type ProgressEvent struct {
	ThreadID string         `json:"thread_id"`
	RunID    string         `json:"run_id"`
	Node     string         `json:"node"`
	Seq      uint64         `json:"seq"`
	AtUnixMs int64          `json:"at_unix_ms"`
	Terminal bool           `json:"terminal,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func IsTerminalNode(node string) bool {
	switch strings.TrimSpace(node) {
	case NodeCompleted, NodeFailed, NodeCancelled:
		return true
	default:
		return false
	}
}

// --- API types (snake_case, stable) ---

type ThreadView struct {
	ThreadID            string `json:"thread_id"`
	Title               string `json:"title"`
	ModelID             string `json:"model_id"`
	RunStatus           string `json:"run_status"`
	RunError            string `json:"run_error,omitempty"`
	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
}

type ListThreadsResponse struct {
	Threads    []ThreadView `json:"threads"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type CreateThreadRequest struct {
	Title   string `json:"title"`
	ModelID string `json:"model_id,omitempty"`
}

// SubmitRequest starts a run for one user turn on a thread.
//
// Effort is fixed for the whole run at submit time. A submit on a thread with
// an in-flight run is queued behind it, never interleaved.
type SubmitRequest struct {
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
	Effort   string `json:"effort,omitempty"`
	Model    string `json:"model,omitempty"`
}

type SubmitResponse struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
}

func nowUnixMs() int64 { return time.Now().UnixMilli() }
