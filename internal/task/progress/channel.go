package progress

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

var ErrUnknownInvocation = errors.New("progress: unknown or finished invocation")

// Phases published by the executor itself. Agents add their own labels.
const (
	PhaseRunning = "running"
	PhaseSuccess = "success"
	PhaseError   = "error"
)

const DefaultBuffer = 64

// Event is one progress report. Events are never persisted.
type Event struct {
	InvocationID string    `json:"invocation_id"`
	Phase        string    `json:"phase"`
	Payload      any       `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Channel is the per-invocation broadcast of progress events.
//
// Delivery is best-effort: a full subscriber loses its oldest buffered event,
// so the publisher never blocks. Subscribers only see events published after
// they subscribed.
type Channel struct {
	buffer int

	mu      sync.RWMutex
	streams map[string]*stream

	dropped atomic.Uint64
}

type stream struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Channel{buffer: buffer, streams: map[string]*stream{}}
}

// Open starts accepting events for an invocation. Opening twice is a no-op.
func (c *Channel) Open(id string) {
	c.mu.Lock()
	if _, ok := c.streams[id]; !ok {
		c.streams[id] = &stream{subs: map[*Subscription]struct{}{}}
	}
	c.mu.Unlock()
}

func (c *Channel) lookup(id string) *stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams[id]
}

// Publish fans an event out to current subscribers. It reports false when the
// invocation is unknown or already closed.
func (c *Channel) Publish(id, phase string, payload any) bool {
	st := c.lookup(id)
	if st == nil {
		return false
	}
	ev := Event{InvocationID: id, Phase: phase, Payload: payload, Timestamp: time.Now()}

	st.mu.Lock()
	defer st.mu.Unlock()
	for sub := range st.subs {
		if !sub.offer(ev) {
			c.dropped.Add(1)
		}
	}
	return true
}

// Subscribe attaches a new observer. buffer <= 0 uses the channel default.
func (c *Channel) Subscribe(id string, buffer int) (*Subscription, error) {
	st := c.lookup(id)
	if st == nil {
		return nil, ErrUnknownInvocation
	}
	if buffer <= 0 {
		buffer = c.buffer
	}
	sub := &Subscription{ch: make(chan Event, buffer), st: st}

	st.mu.Lock()
	defer st.mu.Unlock()
	// Close may have raced us between lookup and lock.
	if c.lookup(id) != st {
		return nil, ErrUnknownInvocation
	}
	st.subs[sub] = struct{}{}
	return sub, nil
}

// Events subscribes now and returns a sequence that ends when the invocation
// closes, ctx is done, or the caller stops iterating.
func (c *Channel) Events(ctx context.Context, id string) (iter.Seq[Event], error) {
	sub, err := c.Subscribe(id, 0)
	if err != nil {
		return nil, err
	}
	return func(yield func(Event) bool) {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok || !yield(ev) {
					return
				}
			}
		}
	}, nil
}

// Close ends the stream: subscriptions drain and finish, later publishes are ignored.
func (c *Channel) Close(id string) {
	c.mu.Lock()
	st := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	for sub := range st.subs {
		sub.closeLocked()
	}
	st.subs = nil
	st.mu.Unlock()
}

// Active is the number of open invocation streams.
func (c *Channel) Active() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams)
}

// Dropped counts events discarded across all subscribers.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }

// Sink binds the channel to one invocation; agents report through it.
func (c *Channel) Sink(id string) Sink { return Sink{c: c, id: id} }

type Sink struct {
	c  *Channel
	id string
}

func (s Sink) Report(phase string, payload any) {
	if s.c != nil {
		s.c.Publish(s.id, phase, payload)
	}
}

// Subscription is one observer of one invocation.
type Subscription struct {
	ch      chan Event
	st      *stream
	closed  bool // guarded by st.mu
	dropped atomic.Uint64
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped is how many events this subscriber lost to drop-oldest.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	delete(s.st.subs, s)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// offer is called with st.mu held. It reports false if an event was dropped.
func (s *Subscription) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
		return false
	default:
		s.dropped.Add(1)
		return false
	}
}
