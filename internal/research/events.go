package research

import (
	"errors"
	"strings"
	"sync"
)

type sinkPriority uint8

const (
	sinkPriorityHigh sinkPriority = iota
	sinkPriorityLow
)

// Terminal events must reach the subscriber even under a progress flood, so
// they ride the high-priority queue.
func classifyEventPriority(ev ProgressEvent) sinkPriority {
	if ev.Terminal {
		return sinkPriorityHigh
	}
	return sinkPriorityLow
}

// EventHandler delivers one event to a subscriber. A returned error detaches
// the subscription (the consumer is gone).
type EventHandler func(ProgressEvent) error

// sinkWriter decouples run execution from slow subscribers. Sends never
// block: a full queue drops the event rather than stalling the run loop.
type sinkWriter struct {
	deliver EventHandler

	hiCh chan ProgressEvent
	loCh chan ProgressEvent
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func newSinkWriter(deliver EventHandler) *sinkWriter {
	w := &sinkWriter{
		deliver: deliver,
		hiCh:    make(chan ProgressEvent, 256),
		loCh:    make(chan ProgressEvent, 1024),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *sinkWriter) loop() {
	defer close(w.done)
	for {
		// Drain the high-priority queue first so terminal events are never
		// starved by progress floods.
		select {
		case <-w.stop:
			return
		case ev := <-w.hiCh:
			if w.deliver == nil || w.deliver(ev) != nil {
				return
			}
			continue
		default:
		}

		select {
		case <-w.stop:
			return
		case ev := <-w.hiCh:
			if w.deliver == nil || w.deliver(ev) != nil {
				return
			}
		case ev := <-w.loCh:
			if w.deliver == nil || w.deliver(ev) != nil {
				return
			}
		}
	}
}

func (w *sinkWriter) TrySend(priority sinkPriority, ev ProgressEvent) {
	if w == nil {
		return
	}
	select {
	case <-w.stop:
		return
	default:
	}

	ch := w.loCh
	if priority == sinkPriorityHigh {
		ch = w.hiCh
	}

	select {
	case ch <- ev:
	default:
	}
}

func (w *sinkWriter) Close() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		close(w.stop)
	})
	<-w.done
}

// Subscription is a live per-thread event feed. Close detaches it and stops
// its delivery goroutine.
type Subscription struct {
	svc      *Service
	threadID string
	w        *sinkWriter
	once     sync.Once
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.svc != nil {
			s.svc.detachSubscription(s)
		}
		s.w.Close()
	})
}

// SubscribeThread attaches deliver to the thread's event stream. It returns
// the subscription handle and the id of the currently active run, if any.
func (s *Service) SubscribeThread(threadID string, deliver EventHandler) (*Subscription, string, error) {
	threadID = strings.TrimSpace(threadID)
	if s == nil {
		return nil, "", errors.New("nil service")
	}
	if threadID == "" || deliver == nil {
		return nil, "", errors.New("invalid subscribe request")
	}

	sub := &Subscription{svc: s, threadID: threadID, w: newSinkWriter(deliver)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.w.Close()
		return nil, "", ErrServiceClosed
	}
	bySub := s.subsByThread[threadID]
	if bySub == nil {
		bySub = make(map[*Subscription]struct{})
		s.subsByThread[threadID] = bySub
	}
	bySub[sub] = struct{}{}
	activeRunID := strings.TrimSpace(s.activeRunByTh[threadID])
	s.mu.Unlock()

	return sub, activeRunID, nil
}

func (s *Service) detachSubscription(sub *Subscription) {
	if s == nil || sub == nil {
		return
	}
	s.mu.Lock()
	if bySub := s.subsByThread[sub.threadID]; bySub != nil {
		delete(bySub, sub)
		if len(bySub) == 0 {
			delete(s.subsByThread, sub.threadID)
		}
	}
	s.mu.Unlock()
}

// broadcastEvent fans one run event out to the thread's subscribers.
// Delivery is best-effort; persistence happens in the run event hook.
func (s *Service) broadcastEvent(ev ProgressEvent) {
	if s == nil {
		return
	}
	ev.ThreadID = strings.TrimSpace(ev.ThreadID)
	ev.RunID = strings.TrimSpace(ev.RunID)
	if ev.ThreadID == "" || ev.RunID == "" {
		return
	}

	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subsByThread[ev.ThreadID]))
	for sub := range s.subsByThread[ev.ThreadID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	priority := classifyEventPriority(ev)
	for _, sub := range subs {
		sub.w.TrySend(priority, ev)
	}
}
