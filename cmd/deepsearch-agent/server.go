package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/floegence/deepsearch-agent/internal/research"
)

// server is the thin HTTP layer over the research service. All semantics
// live in the service; handlers only translate requests and stream events.
type server struct {
	log *slog.Logger
	svc *research.Service
}

func newServer(log *slog.Logger, svc *research.Service) *server {
	return &server{log: log, svc: svc}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/threads", s.handleCreateThread)
	mux.HandleFunc("GET /v1/threads", s.handleListThreads)
	mux.HandleFunc("GET /v1/threads/{thread_id}", s.handleGetThread)
	mux.HandleFunc("DELETE /v1/threads/{thread_id}", s.handleDeleteThread)
	mux.HandleFunc("GET /v1/threads/{thread_id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/threads/{thread_id}/runs", s.handleSubmit)
	mux.HandleFunc("GET /v1/threads/{thread_id}/events", s.handleThreadEvents)

	mux.HandleFunc("GET /v1/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", s.handleListRunEvents)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", s.handleCancelRun)

	return mux
}

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, research.ErrThreadNotFound), errors.Is(err, research.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, research.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, research.ErrServiceClosed), errors.Is(err, research.ErrThreadClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, apiError{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}

func (s *server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req research.CreateThreadRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid body"})
		return
	}
	view, err := s.svc.CreateThread(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp, err := s.svc.ListThreads(r.Context(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetThread(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteThread(r.Context(), r.PathValue("thread_id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	beforeID, _ := strconv.ParseInt(q.Get("before_id"), 10, 64)
	msgs, nextBeforeID, hasMore, err := s.svc.ListThreadMessages(r.Context(), r.PathValue("thread_id"), limit, beforeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
		"has_more":       hasMore,
	})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	afterSeq, _ := strconv.ParseInt(q.Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	events, err := s.svc.ListRunEvents(r.Context(), r.PathValue("run_id"), afterSeq, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelRun(r.PathValue("run_id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"cancel_requested": true})
}

// handleSubmit accepts a user turn. With ?stream=1 the response is an NDJSON
// stream: first an acceptance line with the run id, then the run's events up
// to and including its terminal event. Client disconnect requests
// cancellation of the run.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req research.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid body"})
		return
	}
	req.ThreadID = r.PathValue("thread_id")

	stream := r.URL.Query().Get("stream") == "1"
	if !stream {
		resp, err := s.svc.Submit(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	out := newNDJSONStream(w)

	terminalCh := make(chan struct{})
	var closeOnce sync.Once
	var runID string
	var mu sync.Mutex

	sub, _, err := s.svc.SubscribeThread(req.ThreadID, func(ev research.ProgressEvent) error {
		mu.Lock()
		id := runID
		mu.Unlock()
		if id == "" || ev.RunID != id {
			return nil
		}
		if err := out.send(ev); err != nil {
			return err
		}
		if ev.Terminal {
			closeOnce.Do(func() { close(terminalCh) })
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	resp, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		_ = out.send(apiError{Error: err.Error()})
		return
	}
	mu.Lock()
	runID = resp.RunID
	mu.Unlock()
	if err := out.send(resp); err != nil {
		_ = s.svc.CancelRun(resp.RunID)
		return
	}

	select {
	case <-terminalCh:
	case <-r.Context().Done():
		// Client went away: request cooperative cancellation. The run still
		// reaches its terminal state and persists server-side.
		_ = s.svc.CancelRun(resp.RunID)
	}
}

// handleThreadEvents streams all live events for a thread as NDJSON until the
// client disconnects.
func (s *server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	out := newNDJSONStream(w)

	failed := make(chan struct{})
	var failOnce sync.Once
	sub, activeRunID, err := s.svc.SubscribeThread(r.PathValue("thread_id"), func(ev research.ProgressEvent) error {
		if err := out.send(ev); err != nil {
			failOnce.Do(func() { close(failed) })
			return err
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	_ = out.send(map[string]any{"subscribed": true, "active_run_id": activeRunID})

	select {
	case <-r.Context().Done():
	case <-failed:
	}
}

type ndjsonStream struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

func newNDJSONStream(w http.ResponseWriter) *ndjsonStream {
	var f http.Flusher
	if w != nil {
		if fl, ok := w.(http.Flusher); ok {
			f = fl
		}
	}
	return &ndjsonStream{w: w, f: f}
}

func (s *ndjsonStream) send(v any) error {
	if s == nil || s.w == nil {
		return errors.New("stream not ready")
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte{'\n'}); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}
