package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SubscriberCapacity is the bounded queue size per subscriber (spec.md §5).
const SubscriberCapacity = 10000

// Clock returns the current time; overridable in tests for deterministic
// timestamps.
type Clock func() time.Time

// Bus is a single typed, versioned, sequenced event channel with one
// independent bounded queue per subscriber. It never blocks a producer:
// on subscriber overflow the oldest queued event for that subscriber is
// dropped and an error event is emitted in its place (spec.md §5).
//
// Grounded on the teacher's ManagedStream.emit (managed_stream.go:822-861):
// non-blocking send, context-done short circuit, panic recovery around a
// possibly-closed channel — generalized here to N independent subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	seq         uint64
	clock       Clock
}

type subscriber struct {
	id string
	ch chan Event
}

// New creates an empty Bus. A nil clock defaults to time.Now.
func New(clock Clock) *Bus {
	if clock == nil {
		clock = time.Now
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		clock:       clock,
	}
}

// Subscribe registers a new receive-only channel and returns it along with
// an unsubscribe function. Each subscriber gets its own bounded queue and
// sees every published event in emission order.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	sub := &subscriber{id: id, ch: make(chan Event, SubscriberCapacity)}
	b.subscribers[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish validates and emits an event of the given kind with the given
// payload and correlation id. It stamps version, id, seq and timestamp
// itself; callers never set those fields. On schema validation failure the
// event is dropped and a SCHEMA_VIOLATION error event is emitted instead.
func (b *Bus) Publish(kind Kind, payload interface{}, correlationID string) {
	if err := Validate(kind, payload); err != nil {
		b.publish(Event{
			Kind: KindError,
			Payload: ErrorPayload{
				Code:        ErrCodeSchemaViolation,
				Message:     err.Error(),
				Recoverable: true,
			},
			CorrelationID: correlationID,
		})
		return
	}
	b.publish(Event{Kind: kind, Payload: payload, CorrelationID: correlationID})
}

func (b *Bus) publish(ev Event) {
	ev.Version = SchemaVersion
	ev.ID = uuid.NewString()
	ev.Seq = atomic.AddUint64(&b.seq, 1)
	ev.TSMillis = b.clock().UnixMilli()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		b.send(sub, ev)
	}
}

// send delivers ev to sub, dropping the oldest queued events and retrying
// once if the queue is full — this is the "drop oldest, never block a
// producer" policy from spec.md §5.
func (b *Bus) send(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Free one slot for ev, plus a second for the overflow notice that
	// follows it; otherwise ev would refill the queue and the notice could
	// never be enqueued.
	drops := 1
	if ev.Kind != KindError {
		drops = 2
	}
	for i := 0; i < drops; i++ {
		select {
		case <-sub.ch:
		default:
		}
	}

	select {
	case sub.ch <- ev:
	default:
		// Extremely unlikely race (another goroutine refilled the slot we
		// just freed); drop this event rather than block.
	}

	if ev.Kind != KindError {
		overflow := Event{
			Version: SchemaVersion,
			ID:      uuid.NewString(),
			Seq:     atomic.AddUint64(&b.seq, 1),
			TSMillis: b.clock().UnixMilli(),
			Kind:    KindError,
			Payload: ErrorPayload{
				Code:        ErrCodeEventBusOverflow,
				Message:     "subscriber queue full, oldest event dropped",
				Recoverable: true,
			},
		}
		select {
		case sub.ch <- overflow:
		default:
		}
	}
}

// NextSeq previews (without consuming) the sequence number the next
// published event will receive. Useful for tests asserting ordering.
func (b *Bus) NextSeq() uint64 {
	return atomic.LoadUint64(&b.seq) + 1
}
