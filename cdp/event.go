package cdp

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
)

// Event is a decoded CDP event.
type Event struct {
	Name      cdproto.MethodType
	Data      interface{}
	SessionID target.SessionID
}

type subscription struct {
	sessionID target.SessionID
	events    map[cdproto.MethodType]struct{}

	out    chan *Event
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []*Event
	signal chan struct{}
}

func (s *subscription) wants(evt *Event) bool {
	if s.sessionID != "" && s.sessionID != evt.SessionID {
		return false
	}
	_, ok := s.events[evt.Name]
	return ok
}

func (s *subscription) push(evt *Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump moves queued events to the out channel so that the receive loop never
// blocks on a slow subscriber.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var evt *Event
		if len(s.queue) > 0 {
			evt = s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if evt == nil {
			select {
			case <-s.signal:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		select {
		case s.out <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

type eventWatcher struct {
	ctx    context.Context
	subsMu sync.RWMutex
	subs   map[*subscription]struct{}
}

func newEventWatcher(ctx context.Context) *eventWatcher {
	return &eventWatcher{
		ctx:  ctx,
		subs: make(map[*subscription]struct{}),
	}
}

// subscribe registers interest in events of the given session. An empty
// sessionID matches events of every session.
func (w *eventWatcher) subscribe(
	ctx context.Context, sessionID string, events ...cdproto.MethodType,
) (<-chan *Event, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		sessionID: target.SessionID(sessionID),
		events:    make(map[cdproto.MethodType]struct{}, len(events)),
		out:       make(chan *Event),
		ctx:       ctx,
		cancel:    cancel,
		signal:    make(chan struct{}, 1),
	}
	for _, evt := range events {
		s.events[evt] = struct{}{}
	}

	w.subsMu.Lock()
	w.subs[s] = struct{}{}
	w.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-w.ctx.Done():
			cancel()
		}
		w.subsMu.Lock()
		delete(w.subs, s)
		w.subsMu.Unlock()
	}()
	go s.pump()

	return s.out, cancel
}

func (w *eventWatcher) notify(evt *Event) {
	w.subsMu.RLock()
	defer w.subsMu.RUnlock()

	for s := range w.subs {
		if s.wants(evt) {
			s.push(evt)
		}
	}
}
