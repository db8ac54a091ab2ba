package bus

import (
	"context"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
)

// Subscriber is one consumer's view of the bus. Next must be called from a
// single goroutine; the other methods are safe from any goroutine.
type Subscriber struct {
	id       string
	name     string
	bus      *Bus
	capacity int
	created  time.Time

	mu        sync.Mutex
	cursor    uint64 // index of the next frame to deliver
	delivered uint64
	dropped   uint64
	lastSeq   uint64

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the unique subscriber id.
func (s *Subscriber) ID() string { return s.id }

// Name returns the label given on Subscribe.
func (s *Subscriber) Name() string { return s.name }

// Done is closed once the subscriber is removed from the bus.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Next blocks until a frame is available and returns it. When the
// subscriber has fallen further behind than its mailbox, the oldest
// pending frames are skipped and counted as dropped. Delivered sequence
// numbers are always strictly increasing.
func (s *Subscriber) Next(ctx context.Context) (*frame.Stream, error) {
	for {
		b := s.bus
		b.mu.RLock()
		f, ok := s.take(b)
		wait := b.notify
		closed := b.closed
		b.mu.RUnlock()

		if ok {
			return f, nil
		}

		select {
		case <-s.done:
			return nil, ErrSubscriberClosed
		default:
		}
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSubscriberClosed
		case <-wait:
		}
	}
}

// TryNext returns the next pending frame without blocking.
func (s *Subscriber) TryNext() (*frame.Stream, bool) {
	b := s.bus
	b.mu.RLock()
	defer b.mu.RUnlock()
	return s.take(b)
}

// take pops the next frame from the mailbox. Caller holds b.mu for reading.
func (s *Subscriber) take(b *Bus) (*frame.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil, false
	default:
	}

	if s.cursor >= b.head {
		return nil, false
	}
	if oldest := s.oldestKept(b.head); s.cursor < oldest {
		s.dropped += oldest - s.cursor
		s.cursor = oldest
	}

	f := b.ring[s.cursor%uint64(len(b.ring))]
	s.cursor++
	s.delivered++
	s.lastSeq = f.Seq
	return f, true
}

// oldestKept is the first frame index still inside the mailbox.
func (s *Subscriber) oldestKept(head uint64) uint64 {
	if head > uint64(s.capacity) {
		return head - uint64(s.capacity)
	}
	return 0
}

// Close unsubscribes from the bus. It is safe to call more than once.
func (s *Subscriber) Close() {
	_ = s.bus.Unsubscribe(s.id)
}

// Dropped returns the number of frames this subscriber has lost so far,
// including frames already pushed out of its mailbox but not yet noticed
// by Next.
func (s *Subscriber) Dropped() uint64 {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.stats(s.bus.head).Dropped
}

func (s *Subscriber) markClosed() {
	s.closeOnce.Do(func() { close(s.done) })
}

// stats snapshots counters. Caller holds b.mu for reading.
func (s *Subscriber) stats(head uint64) SubscriberStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := s.dropped
	cursor := s.cursor
	if oldest := s.oldestKept(head); cursor < oldest {
		dropped += oldest - cursor
		cursor = oldest
	}

	return SubscriberStats{
		ID:          s.id,
		Name:        s.name,
		Mailbox:     s.capacity,
		Delivered:   s.delivered,
		Dropped:     dropped,
		Pending:     int(head - cursor),
		LastSeq:     s.lastSeq,
		ConnectedAt: s.created,
	}
}
