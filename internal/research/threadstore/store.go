package threadstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for research threads,
// messages, runs and run events.
//
// WAL is enabled to support concurrent reads while writing (the event stream
// reads history while a run is appending).
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Thread struct {
	ThreadID           string `json:"thread_id"`
	ModelID            string `json:"model_id"`
	Title              string `json:"title"`
	RunStatus          string `json:"run_status"`
	RunUpdatedAtUnixMs int64  `json:"run_updated_at_unix_ms"`
	RunError           string `json:"run_error"`

	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
}

type Message struct {
	ID       int64  `json:"id"`
	ThreadID string `json:"thread_id"`

	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	RunID     string `json:"run_id,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`

	TextContent string `json:"text_content"`
}

type Run struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
	ModelID  string `json:"model_id"`
	Effort   string `json:"effort"`

	State        string `json:"state"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	FinalAnswer string `json:"final_answer,omitempty"`
	SourcesJSON string `json:"sources_json,omitempty"`
	LoopCount   int    `json:"loop_count"`
	SourceCount int    `json:"source_count"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

type RunEventRecord struct {
	ThreadID    string `json:"thread_id"`
	RunID       string `json:"run_id"`
	Seq         int64  `json:"seq"`
	Node        string `json:"node"`
	Terminal    bool   `json:"terminal"`
	PayloadJSON string `json:"payload_json"`
	AtUnixMs    int64  `json:"at_unix_ms"`
}

type ThreadsCursor struct {
	UpdatedAtUnixMs int64
	ThreadID        string
}

// EncodeCursor encodes a cursor as a URL-safe base64 string.
func EncodeCursor(c ThreadsCursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.ThreadID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.ThreadID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(raw string) (ThreadsCursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ThreadsCursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return ThreadsCursor{}, false
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		return ThreadsCursor{}, false
	}
	ms, err := parseInt64(parts[0])
	if err != nil || ms <= 0 {
		return ThreadsCursor{}, false
	}
	id := strings.TrimSpace(parts[1])
	if id == "" {
		return ThreadsCursor{}, false
	}
	return ThreadsCursor{UpdatedAtUnixMs: ms, ThreadID: id}, true
}

func parseInt64(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty")
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Store) ListThreads(ctx context.Context, limit int, cursor ThreadsCursor) ([]Thread, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	args := make([]any, 0, 4)
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.ThreadID) != "" {
		where = "WHERE (updated_at_unix_ms < ? OR (updated_at_unix_ms = ? AND thread_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.ThreadID))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT
  thread_id, model_id, title,
  run_status, run_updated_at_unix_ms, run_error,
  created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview
FROM research_threads
%s
ORDER BY updated_at_unix_ms DESC, thread_id DESC
LIMIT ?
`, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Thread, 0, limit)
	for rows.Next() {
		var t Thread
		if err := rows.Scan(
			&t.ThreadID,
			&t.ModelID,
			&t.Title,
			&t.RunStatus,
			&t.RunUpdatedAtUnixMs,
			&t.RunError,
			&t.CreatedAtUnixMs,
			&t.UpdatedAtUnixMs,
			&t.LastMessageAtUnixMs,
			&t.LastMessagePreview,
		); err != nil {
			return nil, "", err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(out) == 0 {
		return out, "", nil
	}
	last := out[len(out)-1]
	next := EncodeCursor(ThreadsCursor{UpdatedAtUnixMs: last.UpdatedAtUnixMs, ThreadID: last.ThreadID})
	return out, next, nil
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("invalid request")
	}

	var t Thread
	err := s.db.QueryRowContext(ctx, `
SELECT
  thread_id, model_id, title,
  run_status, run_updated_at_unix_ms, run_error,
  created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview
FROM research_threads
WHERE thread_id = ?
`, threadID).Scan(
		&t.ThreadID,
		&t.ModelID,
		&t.Title,
		&t.RunStatus,
		&t.RunUpdatedAtUnixMs,
		&t.RunError,
		&t.CreatedAtUnixMs,
		&t.UpdatedAtUnixMs,
		&t.LastMessageAtUnixMs,
		&t.LastMessagePreview,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateThread(ctx context.Context, t Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.ThreadID = strings.TrimSpace(t.ThreadID)
	t.ModelID = strings.TrimSpace(t.ModelID)
	t.Title = strings.TrimSpace(t.Title)
	t.RunStatus = normalizeRunStatus(t.RunStatus)
	t.RunError = strings.TrimSpace(t.RunError)

	if t.ThreadID == "" {
		return errors.New("invalid thread")
	}

	now := time.Now().UnixMilli()
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = now
	}
	if t.UpdatedAtUnixMs <= 0 {
		t.UpdatedAtUnixMs = t.CreatedAtUnixMs
	}
	if t.RunUpdatedAtUnixMs < 0 {
		t.RunUpdatedAtUnixMs = 0
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO research_threads(
  thread_id, model_id, title,
  run_status, run_updated_at_unix_ms, run_error,
  created_at_unix_ms, updated_at_unix_ms,
  last_message_at_unix_ms, last_message_preview
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		t.ThreadID,
		t.ModelID,
		t.Title,
		t.RunStatus,
		t.RunUpdatedAtUnixMs,
		t.RunError,
		t.CreatedAtUnixMs,
		t.UpdatedAtUnixMs,
		t.LastMessageAtUnixMs,
		t.LastMessagePreview,
	)
	return err
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM research_runs WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM research_messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM research_threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

func normalizeRunStatus(status string) string {
	status = strings.TrimSpace(status)
	switch status {
	case "idle", "running", "completed", "failed", "canceled", "timed_out":
		return status
	default:
		return "idle"
	}
}

func (s *Store) UpdateThreadRunState(ctx context.Context, threadID string, runStatus string, runError string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("invalid request")
	}

	runStatus = normalizeRunStatus(runStatus)
	runError = strings.TrimSpace(runError)
	if runStatus != "failed" && runStatus != "timed_out" {
		runError = ""
	}
	if len(runError) > 600 {
		runError = truncateRunes(runError, 600)
	}

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
UPDATE research_threads
SET run_status = ?,
    run_updated_at_unix_ms = ?,
    run_error = ?,
    updated_at_unix_ms = ?
WHERE thread_id = ?
`, runStatus, now, runError, now, threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AppendMessage inserts a message into the thread and updates thread metadata
// in the same transaction. It also sets a default title if the thread title is
// empty and this is a user message with non-empty text.
func (s *Store) AppendMessage(ctx context.Context, threadID string, m Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return 0, errors.New("invalid request")
	}

	m.ThreadID = strings.TrimSpace(m.ThreadID)
	if m.ThreadID == "" {
		m.ThreadID = threadID
	}
	m.MessageID = strings.TrimSpace(m.MessageID)
	m.Role = strings.TrimSpace(m.Role)
	m.RunID = strings.TrimSpace(m.RunID)
	m.TextContent = strings.TrimSpace(m.TextContent)

	if m.MessageID == "" || m.Role == "" || m.TextContent == "" {
		return 0, errors.New("invalid message")
	}

	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	preview := buildPreview(m.Role, m.TextContent)
	titleCandidate := ""
	if m.Role == "user" {
		titleCandidate = buildTitleCandidate(m.TextContent)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure thread exists.
	var existingTitle string
	if err := tx.QueryRowContext(ctx, `
SELECT title
FROM research_threads
WHERE thread_id = ?
`, threadID).Scan(&existingTitle); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO research_messages(
  thread_id, message_id, role, run_id,
  created_at_unix_ms, text_content
) VALUES(?, ?, ?, ?, ?, ?)
`,
		threadID,
		m.MessageID,
		m.Role,
		m.RunID,
		m.CreatedAtUnixMs,
		m.TextContent,
	)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	nextTitle := strings.TrimSpace(existingTitle)
	if nextTitle == "" && titleCandidate != "" {
		nextTitle = titleCandidate
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE research_threads
SET title = ?,
    updated_at_unix_ms = ?,
    last_message_at_unix_ms = ?,
    last_message_preview = ?
WHERE thread_id = ?
`,
		nextTitle,
		m.CreatedAtUnixMs,
		m.CreatedAtUnixMs,
		preview,
		threadID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// ListMessages returns messages in ascending order by internal id.
//
// If beforeID <= 0, it returns the latest messages. Otherwise, it returns
// messages with id < beforeID. The returned nextBeforeID is the smallest id
// in the result (for loading older history).
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int, beforeID int64) ([]Message, int64, bool, error) {
	if s == nil || s.db == nil {
		return nil, 0, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, 0, false, errors.New("invalid request")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if beforeID <= 0 {
		beforeID = 1<<62 - 1
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, message_id, role, run_id,
       created_at_unix_ms, text_content
FROM research_messages
WHERE thread_id = ? AND id < ?
ORDER BY id DESC
LIMIT ?
`, threadID, beforeID, limit)
	if err != nil {
		return nil, 0, false, err
	}
	defer rows.Close()

	tmp := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.ThreadID,
			&m.MessageID,
			&m.Role,
			&m.RunID,
			&m.CreatedAtUnixMs,
			&m.TextContent,
		); err != nil {
			return nil, 0, false, err
		}
		tmp = append(tmp, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, err
	}
	if len(tmp) == 0 {
		return nil, 0, false, nil
	}

	// Reverse to ASC order.
	out := make([]Message, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	nextBeforeID := out[0].ID

	var more int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM research_messages
WHERE thread_id = ? AND id < ?
`, threadID, nextBeforeID).Scan(&more); err != nil {
		// Best-effort: if this fails, just say no more.
		more = 0
	}
	hasMore := more > 0

	return out, nextBeforeID, hasMore, nil
}

func (s *Store) CreateRun(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.RunID = strings.TrimSpace(r.RunID)
	r.ThreadID = strings.TrimSpace(r.ThreadID)
	r.ModelID = strings.TrimSpace(r.ModelID)
	r.Effort = strings.TrimSpace(r.Effort)
	r.State = strings.TrimSpace(r.State)
	if r.RunID == "" || r.ThreadID == "" {
		return errors.New("invalid run")
	}
	if r.State == "" {
		r.State = "running"
	}

	now := time.Now().UnixMilli()
	if r.CreatedAtUnixMs <= 0 {
		r.CreatedAtUnixMs = now
	}
	if r.UpdatedAtUnixMs <= 0 {
		r.UpdatedAtUnixMs = r.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO research_runs(
  run_id, thread_id, model_id, effort, state,
  error_kind, error_message, final_answer, sources_json,
  loop_count, source_count,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		r.RunID,
		r.ThreadID,
		r.ModelID,
		r.Effort,
		r.State,
		strings.TrimSpace(r.ErrorKind),
		strings.TrimSpace(r.ErrorMessage),
		r.FinalAnswer,
		r.SourcesJSON,
		r.LoopCount,
		r.SourceCount,
		r.CreatedAtUnixMs,
		r.UpdatedAtUnixMs,
	)
	return err
}

// FinishRun records the terminal outcome of a run.
func (s *Store) FinishRun(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.RunID = strings.TrimSpace(r.RunID)
	if r.RunID == "" {
		return errors.New("invalid run")
	}

	errMsg := strings.TrimSpace(r.ErrorMessage)
	if len(errMsg) > 600 {
		errMsg = truncateRunes(errMsg, 600)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE research_runs
SET state = ?,
    error_kind = ?,
    error_message = ?,
    final_answer = ?,
    sources_json = ?,
    loop_count = ?,
    source_count = ?,
    updated_at_unix_ms = ?
WHERE run_id = ?
`,
		strings.TrimSpace(r.State),
		strings.TrimSpace(r.ErrorKind),
		errMsg,
		r.FinalAnswer,
		r.SourcesJSON,
		r.LoopCount,
		r.SourceCount,
		time.Now().UnixMilli(),
		r.RunID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("invalid request")
	}

	var r Run
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, thread_id, model_id, effort, state,
       error_kind, error_message, final_answer, sources_json,
       loop_count, source_count,
       created_at_unix_ms, updated_at_unix_ms
FROM research_runs
WHERE run_id = ?
`, runID).Scan(
		&r.RunID,
		&r.ThreadID,
		&r.ModelID,
		&r.Effort,
		&r.State,
		&r.ErrorKind,
		&r.ErrorMessage,
		&r.FinalAnswer,
		&r.SourcesJSON,
		&r.LoopCount,
		&r.SourceCount,
		&r.CreatedAtUnixMs,
		&r.UpdatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the latest runs for a thread, newest first.
func (s *Store) ListRuns(ctx context.Context, threadID string, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("invalid request")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, thread_id, model_id, effort, state,
       error_kind, error_message, final_answer, sources_json,
       loop_count, source_count,
       created_at_unix_ms, updated_at_unix_ms
FROM research_runs
WHERE thread_id = ?
ORDER BY created_at_unix_ms DESC, run_id DESC
LIMIT ?
`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.RunID,
			&r.ThreadID,
			&r.ModelID,
			&r.Effort,
			&r.State,
			&r.ErrorKind,
			&r.ErrorMessage,
			&r.FinalAnswer,
			&r.SourcesJSON,
			&r.LoopCount,
			&r.SourceCount,
			&r.CreatedAtUnixMs,
			&r.UpdatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AppendRunEvent(ctx context.Context, ev RunEventRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ev.ThreadID = strings.TrimSpace(ev.ThreadID)
	ev.RunID = strings.TrimSpace(ev.RunID)
	ev.Node = strings.TrimSpace(ev.Node)
	if ev.ThreadID == "" || ev.RunID == "" || ev.Seq <= 0 {
		return errors.New("invalid run event")
	}
	if ev.AtUnixMs <= 0 {
		ev.AtUnixMs = time.Now().UnixMilli()
	}

	terminal := 0
	if ev.Terminal {
		terminal = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_events(
  thread_id, run_id, seq, node, terminal, payload_json, at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?)
`,
		ev.ThreadID,
		ev.RunID,
		ev.Seq,
		ev.Node,
		terminal,
		strings.TrimSpace(ev.PayloadJSON),
		ev.AtUnixMs,
	)
	return err
}

// ListRunEvents returns events with seq > afterSeq in ascending seq order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]RunEventRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("invalid request")
	}
	if limit <= 0 {
		limit = 500
	}
	if limit > 2000 {
		limit = 2000
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, run_id, seq, node, terminal, payload_json, at_unix_ms
FROM run_events
WHERE run_id = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?
`, runID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RunEventRecord, 0, limit)
	for rows.Next() {
		var ev RunEventRecord
		var terminal int
		if err := rows.Scan(
			&ev.ThreadID,
			&ev.RunID,
			&ev.Seq,
			&ev.Node,
			&terminal,
			&ev.PayloadJSON,
			&ev.AtUnixMs,
		); err != nil {
			return nil, err
		}
		ev.Terminal = terminal != 0
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS research_threads (
  thread_id TEXT PRIMARY KEY,
  model_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  run_status TEXT NOT NULL DEFAULT 'idle',
  run_updated_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  run_error TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_research_threads_updated ON research_threads(updated_at_unix_ms DESC, thread_id DESC);

CREATE TABLE IF NOT EXISTS research_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL,
  run_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  text_content TEXT NOT NULL DEFAULT '',
  UNIQUE(thread_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_research_messages_thread_id ON research_messages(thread_id, id ASC);

CREATE TABLE IF NOT EXISTS research_runs (
  run_id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  model_id TEXT NOT NULL DEFAULT '',
  effort TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL DEFAULT 'running',
  error_kind TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  final_answer TEXT NOT NULL DEFAULT '',
  sources_json TEXT NOT NULL DEFAULT '',
  loop_count INTEGER NOT NULL DEFAULT 0,
  source_count INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_research_runs_thread ON research_runs(thread_id, created_at_unix_ms DESC, run_id DESC);

CREATE TABLE IF NOT EXISTS run_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  run_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  node TEXT NOT NULL DEFAULT '',
  terminal INTEGER NOT NULL DEFAULT 0,
  payload_json TEXT NOT NULL DEFAULT '',
  at_unix_ms INTEGER NOT NULL,
  UNIQUE(run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events(run_id, seq ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func buildPreview(role string, text string) string {
	role = strings.TrimSpace(role)
	text = strings.TrimSpace(text)
	if text == "" {
		if role == "user" {
			return "(no text)"
		}
		return ""
	}
	// Single-line preview, capped.
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.TrimSpace(text)
	return truncateRunes(text, 160)
}

func buildTitleCandidate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.TrimSpace(text)
	return truncateRunes(text, 48)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
