// Package streambus implements the process-wide stream bus (C4): a bounded
// ring buffer broadcasting typed execution events to many subscribers, none of
// which can block the producer.
package streambus

import (
	"sync"

	"github.com/castingclouds/agentengine/pkg/ids"
)

// EventKind tags the StreamEvent variant.
type EventKind string

const (
	KindThinkingStatus EventKind = "thinking_status"
	KindContentChunk   EventKind = "content_chunk"
	KindCompleted      EventKind = "completed"
	KindFailed         EventKind = "failed"
)

// StreamEvent is the tagged union of execution lifecycle events carried on the bus.
// Only the fields relevant to Kind are populated.
type StreamEvent struct {
	Kind        EventKind
	ExecutionID ids.ExecutionID
	TenantID    ids.TenantID

	StatusText string // ThinkingStatus

	ChunkText string // ContentChunk
	Sequence  int    // ContentChunk: strictly increasing from 0

	FinalResponse map[string]interface{} // Completed
	Usage         map[string]interface{} // Completed

	ErrorText string // Failed
}

const defaultCapacity = 1000

// subscriber is one consumer's bounded mailbox. The channel is buffered with
// Bus's capacity; a full channel means that subscriber is lagging and the
// event is dropped for it only — the producer is never blocked. closed guards
// against a send racing an Unsubscribe's close(ch): Publish snapshots targets
// before sending, so a subscriber removed in that window must not have its
// channel closed out from under an in-flight send.
type subscriber struct {
	mu     sync.Mutex
	closed bool
	ch     chan StreamEvent
}

func (s *subscriber) send(event StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		// ring buffer full for this subscriber: drop, do not block.
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus is the process-wide broadcast publisher (C4).
type Bus struct {
	capacity int

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// New creates a Bus with the given ring-buffer capacity per subscriber
// (default 1000 when capacity <= 0).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{capacity: capacity, subs: make(map[*subscriber]struct{})}
}

// Subscription is a consumer's handle returned by Subscribe. Events is the
// receive-only channel of events published after Subscribe was called — late
// subscribers never see historical events.
type Subscription struct {
	Events <-chan StreamEvent
	bus    *Bus
	sub    *subscriber
}

// Subscribe registers a new receiver.
func (b *Bus) Subscribe() *Subscription {
	sub := &subscriber{ch: make(chan StreamEvent, b.capacity)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &Subscription{Events: sub.ch, bus: b, sub: sub}
}

// Unsubscribe removes the subscription and releases its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	s.sub.close()
}

// Publish fans event out to every current subscriber. It never blocks: a
// subscriber whose channel is full simply misses this event (a benign lag —
// per spec, a slow subscriber observes a gap and may resync, never stalls the
// producer). Subscriber pointers are snapshotted under the lock and released
// before sending, matching the broadcast idiom this is grounded on (hold the
// lock only long enough to copy the fan-out list); each subscriber's own
// mutex then guards its send against a concurrent Unsubscribe closing its
// channel.
func (b *Bus) Publish(event StreamEvent) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.send(event)
	}
}

// SubscriberCount reports the current fan-out width (test/diagnostic use).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
