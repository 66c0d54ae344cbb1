package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// threadManager provides per-thread serialization without blocking unrelated
// threads.
//
// It intentionally does not cap the number of concurrent threads. Actors are
// created on demand and are garbage-collected after an idle timeout.
type threadManager struct {
	svc *Service

	mu     sync.Mutex
	actors map[string]*threadActor // thread_id -> actor
	closed bool
}

func newThreadManager(svc *Service) *threadManager {
	return &threadManager{
		svc:    svc,
		actors: make(map[string]*threadActor),
	}
}

func (m *threadManager) Get(threadID string) *threadActor {
	if m == nil {
		return nil
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	if a := m.actors[threadID]; a != nil && a.alive() {
		return a
	}

	a := newThreadActor(m, threadID)
	m.actors[threadID] = a
	a.start()
	return a
}

func (m *threadManager) remove(threadID string, actor *threadActor) {
	if m == nil || strings.TrimSpace(threadID) == "" || actor == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.actors[threadID]; existing == actor {
		delete(m.actors, threadID)
	}
}

func (m *threadManager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	actors := make([]*threadActor, 0, len(m.actors))
	for _, a := range m.actors {
		if a != nil {
			actors = append(actors, a)
		}
	}
	m.actors = make(map[string]*threadActor)
	m.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}

type cmdSubmit struct {
	ctx  context.Context
	req  SubmitRequest
	resp chan submitResult
}

type submitResult struct {
	resp SubmitResponse
	err  error
}

// threadActor serializes run execution for one thread. Submits arriving while
// a run executes queue in the inbox and start after it finishes; runs for one
// thread never interleave.
type threadActor struct {
	mgr      *threadManager
	threadID string

	inbox  chan any
	stopCh chan struct{}
	doneCh chan struct{}

	once sync.Once
}

func newThreadActor(mgr *threadManager, threadID string) *threadActor {
	return &threadActor{
		mgr:      mgr,
		threadID: strings.TrimSpace(threadID),
		inbox:    make(chan any, 128),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (a *threadActor) alive() bool {
	if a == nil {
		return false
	}
	select {
	case <-a.doneCh:
		return false
	default:
		return true
	}
}

func (a *threadActor) start() {
	if a == nil {
		return
	}
	go a.loop()
}

func (a *threadActor) stop() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		close(a.stopCh)
	})
	<-a.doneCh
}

// Submit enqueues a research request and waits for acceptance. The returned
// run id is handed back before the run executes; execution happens inside the
// actor loop so a second submit on the same thread waits its turn.
func (a *threadActor) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if a == nil {
		return SubmitResponse{}, errors.New("thread actor not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan submitResult, 1)
	cmd := cmdSubmit{ctx: ctx, req: req, resp: ch}

	select {
	case <-a.stopCh:
		return SubmitResponse{}, ErrThreadClosed
	case <-ctx.Done():
		return SubmitResponse{}, ctx.Err()
	case a.inbox <- cmd:
	}

	select {
	case <-a.stopCh:
		return SubmitResponse{}, ErrThreadClosed
	case <-ctx.Done():
		return SubmitResponse{}, ctx.Err()
	case res := <-ch:
		return res.resp, res.err
	}
}

func (a *threadActor) loop() {
	defer close(a.doneCh)
	defer func() {
		if a.mgr != nil && strings.TrimSpace(a.threadID) != "" {
			a.mgr.remove(a.threadID, a)
		}
	}()

	idleTO := 10 * time.Minute
	idleTimer := time.NewTimer(idleTO)
	defer idleTimer.Stop()

	resetIdle := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(idleTO)
	}

	for {
		select {
		case <-a.stopCh:
			return
		case <-idleTimer.C:
			// Stop idle actors to avoid leaking goroutines when users create many threads.
			return
		case raw := <-a.inbox:
			resetIdle()
			switch cmd := raw.(type) {
			case cmdSubmit:
				pending, err := a.handleSubmit(cmd.ctx, cmd.req)
				if err != nil {
					cmd.resp <- submitResult{err: err}
					continue
				}
				cmd.resp <- submitResult{resp: SubmitResponse{RunID: pending.runID, ThreadID: a.threadID}}
				// Execute inside the loop: queued submits wait here.
				a.mgr.svc.executeRun(pending)
				resetIdle()
			}
		}
	}
}

func (a *threadActor) handleSubmit(ctx context.Context, req SubmitRequest) (*pendingRun, error) {
	if a == nil || a.mgr == nil || a.mgr.svc == nil {
		return nil, errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req.ThreadID = a.threadID
	return a.mgr.svc.prepareRun(ctx, req)
}
