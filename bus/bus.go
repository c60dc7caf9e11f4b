// Package bus is an in-process message bus. Components never hold handles
// to each other; they publish typed messages and subscribe to the kinds
// they care about.
package bus

import (
	"context"
	"sync"

	"github.com/event-capture/eventcapture/log"
)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(msg Message)
}

// Bus fans out published messages to subscribers. Each subscriber has its
// own unbounded queue, so Publish never blocks and never drops, and every
// subscriber sees messages in publish order.
type Bus struct {
	logger *log.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates a new bus.
func New(logger *log.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Publish delivers msg to every subscription interested in its kind.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for s := range b.subs {
		if s.wants(msg.Kind()) {
			s.queue.push(msg)
			n++
		}
	}
	b.logger.Tracef("bus:Publish", "kind:%s subscribers:%d", msg.Kind(), n)
}

// Subscribe returns a subscription that receives the given kinds, or every
// kind if none is given. The subscription is closed when ctx is done or
// Close is called.
func (b *Bus) Subscribe(ctx context.Context, kinds ...Kind) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan Message),
		queue:  newQueue(),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}()
	go s.pump()

	return s
}

// Subscription is the read side of the bus.
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	kinds  map[Kind]struct{}
	ch     chan Message
	queue  *queue
}

// C returns the channel messages are delivered on. It is closed once the
// subscription ends.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close ends the subscription.
func (s *Subscription) Close() { s.cancel() }

func (s *Subscription) wants(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		msg, ok := s.queue.pop(s.ctx)
		if !ok {
			return
		}
		select {
		case s.ch <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

// queue is a FIFO with a write side and a read side. Readers drain the read
// slice and swap it with the write slice once it runs dry.
type queue struct {
	writeMu sync.Mutex
	write   []Message
	read    []Message
	signal  chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(msg Message) {
	q.writeMu.Lock()
	q.write = append(q.write, msg)
	q.writeMu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a message is available or ctx is done. It is only ever
// called from the subscription's pump goroutine.
func (q *queue) pop(ctx context.Context) (Message, bool) {
	for {
		if len(q.read) == 0 {
			q.writeMu.Lock()
			q.read, q.write = q.write, q.read[:0]
			q.writeMu.Unlock()
		}
		if len(q.read) > 0 {
			msg := q.read[0]
			q.read[0] = nil
			q.read = q.read[1:]
			return msg, true
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}
