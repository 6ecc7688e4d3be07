package eventbus

import (
	"sync"

	"github.com/memyselfmike/agiled/pkg/events"
)

// Subscription is one subscriber's ordered view of the stream. Envelopes
// arrive on Events() strictly in publish order. A subscriber that falls more
// than the ring capacity behind has its oldest undelivered envelopes dropped
// and a gap marker inserted in their place.
type Subscription struct {
	id     uint64
	bus    *Bus
	filter Filter
	ch     chan *Envelope
	done   chan struct{}
	max    int

	pendingMu sync.Mutex
	cond      *sync.Cond
	pending   []*Envelope
	stopped   bool
}

// Events returns the subscriber's ordered envelope channel. The channel is
// closed when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan *Envelope {
	return s.ch
}

// Close detaches the subscriber immediately.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.stop()
}

func (s *Subscription) stop() {
	s.pendingMu.Lock()

	if s.stopped {
		s.pendingMu.Unlock()

		return
	}

	s.stopped = true
	close(s.done)
	s.cond.Signal()
	s.pendingMu.Unlock()
}

// enqueue appends an envelope to the pending queue. Called by the bus with
// the bus lock held; only touches the subscription's own lock.
func (s *Subscription) enqueue(envelope *Envelope) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if s.stopped {
		return
	}

	if len(s.pending) >= s.max {
		s.dropOldestLocked()
	}

	s.pending = append(s.pending, envelope)
	s.cond.Signal()
}

// dropOldestLocked evicts the oldest pending envelope and leaves a gap
// marker at the head so the subscriber can detect the hole. Consecutive
// drops widen the existing marker instead of stacking new ones.
func (s *Subscription) dropOldestLocked() {
	head := s.pending[0]

	if head.Sequence == 0 && len(s.pending) > 1 {
		// Head is already a gap marker: drop the event after it and extend
		// the marker over it.
		dropped := s.pending[1]
		s.pending = append(s.pending[:1], s.pending[2:]...)
		s.pending[0] = gapEnvelope(gapFrom(head), dropped.Sequence+1)

		return
	}

	s.pending = s.pending[1:]
	s.pending = append([]*Envelope{gapEnvelope(head.Sequence, head.Sequence+1)}, s.pending...)
}

func gapFrom(envelope *Envelope) uint64 {
	if gap, ok := envelope.Event.(events.StreamGap); ok {
		return gap.FromSequence
	}

	return envelope.Sequence
}

// loop delivers pending envelopes to the channel in order. Runs on its own
// goroutine per subscription.
func (s *Subscription) loop() {
	defer close(s.ch)

	for {
		s.pendingMu.Lock()

		for len(s.pending) == 0 && !s.stopped {
			s.cond.Wait()
		}

		if s.stopped {
			batch := s.pending
			s.pending = nil
			s.pendingMu.Unlock()
			s.flush(batch)

			return
		}

		batch := s.pending
		s.pending = nil
		s.pendingMu.Unlock()

		for _, envelope := range batch {
			select {
			case s.ch <- envelope:
			case <-s.done:
				return
			}
		}
	}
}

// flush delivers what still fits in the channel buffer after stop, so a
// closing bus does not strand a consumer mid-read.
func (s *Subscription) flush(batch []*Envelope) {
	for _, envelope := range batch {
		select {
		case s.ch <- envelope:
		default:
			return
		}
	}
}
