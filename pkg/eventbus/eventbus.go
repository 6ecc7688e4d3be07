// Package eventbus provides the ordered, replayable activity stream shared by
// all components.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/memyselfmike/agiled/pkg/events"
)

// DefaultCapacity sizes the replay ring buffer so subscribers can recover
// from brief disconnects.
const DefaultCapacity = 1024

// subscriberBuffer is the per-subscriber channel buffer. Close flushes at
// most this many undelivered envelopes.
const subscriberBuffer = 64

var ErrBusClosed = errors.New("event bus closed")

// Event is anything that can go on the activity stream.
type Event interface {
	GetType() events.EventType
}

// Envelope wraps a published event with its global sequence number. Gap
// markers synthesized by the bus carry Sequence 0: they mark a hole in one
// subscriber's stream, not a published event.
type Envelope struct {
	Sequence  uint64           `json:"sequence"`
	ID        string           `json:"id"`
	Type      events.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Origin    string           `json:"origin"`
	Event     Event            `json:"event"`
}

// Publisher is the narrow contract components use to append to the stream.
type Publisher interface {
	Publish(ctx context.Context, origin string, event Event) (*Envelope, error)
}

// Filter restricts which event types a subscriber receives. The zero Filter
// matches everything. Gap markers are always delivered.
type Filter struct {
	Types    []events.EventType
	Prefixes []string
}

func (f Filter) Matches(eventType events.EventType) bool {
	if eventType == events.StreamGapEvent {
		return true
	}

	if len(f.Types) == 0 && len(f.Prefixes) == 0 {
		return true
	}

	for _, t := range f.Types {
		if t == eventType {
			return true
		}
	}

	for _, prefix := range f.Prefixes {
		if len(eventType) >= len(prefix) && string(eventType[:len(prefix)]) == prefix {
			return true
		}
	}

	return false
}

// Bus assigns sequence numbers, retains a bounded ring of envelopes for
// replay, and fans out to subscribers preserving publish order per
// subscriber. An optional bridge mirrors every envelope to an external
// channel.
type Bus struct {
	logger *slog.Logger
	bridge *Bridge

	mu       sync.Mutex
	seq      uint64
	ring     []*Envelope
	capacity int
	subs     map[uint64]*Subscription
	nextSub  uint64
	closed   bool
}

type Option func(*Bus)

// WithBridge mirrors every published envelope onto the given bridge.
func WithBridge(bridge *Bridge) Option {
	return func(b *Bus) {
		b.bridge = bridge
	}
}

func NewBus(capacity int, logger *slog.Logger, opts ...Option) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	bus := &Bus{
		logger:   logger,
		ring:     make([]*Envelope, 0, capacity),
		capacity: capacity,
		subs:     make(map[uint64]*Subscription),
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

// Publish assigns the next sequence number atomically, stores the envelope in
// the ring buffer (evicting the oldest entry when full) and hands it to every
// live subscriber. Delivery order per subscriber equals publish order.
func (b *Bus) Publish(ctx context.Context, origin string, event Event) (*Envelope, error) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return nil, ErrBusClosed
	}

	b.seq++
	envelope := &Envelope{
		Sequence:  b.seq,
		ID:        uuid.NewString(),
		Type:      event.GetType(),
		Timestamp: time.Now().UTC(),
		Origin:    origin,
		Event:     event,
	}

	if len(b.ring) == b.capacity {
		b.ring = b.ring[1:]
	}

	b.ring = append(b.ring, envelope)

	for _, sub := range b.subs {
		if sub.filter.Matches(envelope.Type) {
			sub.enqueue(envelope)
		}
	}

	// The bridge is fed inside the critical section so the mirrored stream
	// keeps the exact publish order.
	if b.bridge != nil {
		if err := b.bridge.Forward(envelope); err != nil {
			b.logger.ErrorContext(ctx, "Failed to mirror event to bridge",
				"sequence", envelope.Sequence, "type", envelope.Type, "error", err)
		}
	}

	b.mu.Unlock()

	return envelope, nil
}

// Sequence returns the last assigned sequence number.
func (b *Bus) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.seq
}

// Subscribe registers a subscriber. fromSequence 0 means live-only; any other
// value requests replay starting at that sequence number. When the requested
// sequence is older than the oldest retained envelope the stream starts with
// a gap marker followed by everything still retained.
func (b *Bus) Subscribe(ctx context.Context, filter Filter, fromSequence uint64) (*Subscription, error) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return nil, ErrBusClosed
	}

	b.nextSub++
	sub := &Subscription{
		id:     b.nextSub,
		bus:    b,
		filter: filter,
		ch:     make(chan *Envelope, subscriberBuffer),
		done:   make(chan struct{}),
		max:    b.capacity,
	}
	sub.cond = sync.NewCond(&sub.pendingMu)

	if fromSequence > 0 {
		sub.pending = b.replayLocked(filter, fromSequence)
	}

	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.loop()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}

	return sub, nil
}

// replayLocked builds the initial pending list for a replay subscription.
// Caller holds b.mu.
func (b *Bus) replayLocked(filter Filter, fromSequence uint64) []*Envelope {
	var pending []*Envelope

	oldest := b.seq + 1
	if len(b.ring) > 0 {
		oldest = b.ring[0].Sequence
	}

	if fromSequence < oldest && b.seq >= fromSequence {
		pending = append(pending, gapEnvelope(fromSequence, oldest))
	}

	for _, envelope := range b.ring {
		if envelope.Sequence >= fromSequence && filter.Matches(envelope.Type) {
			pending = append(pending, envelope)
		}
	}

	return pending
}

// Close stops delivery. Each subscriber gets a best-effort flush of its
// undelivered envelopes before its channel is closed. Publishing after Close
// returns ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))

	for _, sub := range b.subs {
		subs = append(subs, sub)
	}

	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	return nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func gapEnvelope(fromSequence, firstRetained uint64) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      events.StreamGapEvent,
		Timestamp: time.Now().UTC(),
		Origin:    "eventbus",
		Event: events.StreamGap{
			FromSequence:  fromSequence,
			FirstRetained: firstRetained,
		},
	}
}
