package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatsql/chatsql/internal/observability"
)

const (
	DefaultSubscriberBuffer = 64
	// DefaultIdleRetention is how long a session's sequence counter outlives
	// its last publish once nobody is subscribed.
	DefaultIdleRetention = 10 * time.Minute
)

// Forwarder receives every event that originated on this broker. Forward must
// not block.
type Forwarder interface {
	Forward(Event)
}

// Broker is an in-process per-session pub/sub hub. Publish never blocks: each
// subscription owns a bounded queue that sheds its oldest non-terminal event
// when full.
type Broker struct {
	id            string
	bufferSize    int
	idleRetention time.Duration
	now           func() time.Time

	mu        sync.Mutex
	topics    map[string]*topic
	forwarder Forwarder
}

type topic struct {
	seq  uint64
	subs map[*Subscription]struct{}
	// published is the time of the last publish, zero if there was none.
	published time.Time
}

func (t *topic) idle(now time.Time, retention time.Duration) bool {
	if len(t.subs) > 0 {
		return false
	}
	return t.published.IsZero() || now.Sub(t.published) >= retention
}

type BrokerOption func(*Broker)

func WithSubscriberBuffer(size int) BrokerOption {
	return func(b *Broker) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

func WithIdleRetention(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.idleRetention = d
		}
	}
}

func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) { b.now = now }
}

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		id:            uuid.NewString(),
		bufferSize:    DefaultSubscriberBuffer,
		idleRetention: DefaultIdleRetention,
		now:           func() time.Time { return time.Now().UTC() },
		topics:        map[string]*topic{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID identifies this broker instance as an event origin.
func (b *Broker) ID() string {
	return b.id
}

func (b *Broker) SetForwarder(f Forwarder) {
	b.mu.Lock()
	b.forwarder = f
	b.mu.Unlock()
}

// Publish stamps the event with the session's next sequence number and
// enqueues it for every current subscriber. The stamped event is returned.
func (b *Broker) Publish(event Event) Event {
	if event.At.IsZero() {
		event.At = b.now()
	}
	if event.Origin == "" {
		event.Origin = b.id
	}

	b.mu.Lock()
	t := b.topicLocked(event.SessionID)
	t.seq++
	t.published = b.now()
	event.Seq = t.seq
	for sub := range t.subs {
		sub.enqueue(event)
	}
	forwarder := b.forwarder
	b.mu.Unlock()

	observability.IncrementStreamEventsPublished()
	if forwarder != nil && event.Origin == b.id {
		forwarder.Forward(event)
	}
	return event
}

// Subscribe registers a new subscription for the session. Callers must Close it.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		broker:    b,
		capacity:  b.bufferSize,
		notify:    make(chan struct{}, 1),
		out:       make(chan Event),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	b.topicLocked(sessionID).subs[sub] = struct{}{}
	b.mu.Unlock()

	observability.AddStreamSubscribers(1)
	go sub.pump()
	return sub
}

// Subscribers reports the number of live subscriptions for a session.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[sessionID]; ok {
		return len(t.subs)
	}
	return 0
}

// Forget drops a session's sequence counter and closes its subscriptions.
func (b *Broker) Forget(sessionID string) {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	delete(b.topics, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.shutdown()
	}
}

// Topics reports how many sessions the broker currently tracks.
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Sweep drops the sequence counters of sessions that have no subscribers and
// no publish within the idle retention. It returns how many were dropped.
func (b *Broker) Sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for id, t := range b.topics {
		if t.idle(now, b.idleRetention) {
			delete(b.topics, id)
			dropped++
		}
	}
	return dropped
}

// RunSweeper calls Sweep every interval until ctx is done.
func (b *Broker) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = b.idleRetention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Sweep()
		}
	}
}

func (b *Broker) topicLocked(sessionID string) *topic {
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: map[*Subscription]struct{}{}}
		b.topics[sessionID] = t
	}
	return t
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sub.SessionID]
	if !ok {
		return
	}
	delete(t.subs, sub)
	if t.idle(b.now(), b.idleRetention) {
		delete(b.topics, sub.SessionID)
	}
}

type Subscription struct {
	SessionID string

	broker   *Broker
	capacity int

	mu      sync.Mutex
	queue   []Event
	dropped int
	closed  bool

	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

// Events yields the session's events in publish order. The channel closes
// after Close.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Dropped reports how many non-terminal events were shed for this subscriber.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.broker.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		observability.AddStreamSubscribers(-1)
	})
}

func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		if !s.shedLocked() && !event.Type.Terminal() {
			// Only terminal events are queued; the new event is the one shed.
			s.dropped++
			s.mu.Unlock()
			observability.IncrementStreamEventsDropped(1)
			return
		}
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// shedLocked removes the oldest non-terminal queued event.
func (s *Subscription) shedLocked() bool {
	for i, queued := range s.queue {
		if queued.Type.Terminal() {
			continue
		}
		copy(s.queue[i:], s.queue[i+1:])
		s.queue[len(s.queue)-1] = Event{}
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
		observability.IncrementStreamEventsDropped(1)
		return true
	}
	return false
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		event := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
}
