// Package bus fans published stream frames out to any number of
// subscribers without ever blocking the publisher.
//
// Frames are kept in a ring buffer. Each subscriber owns a cursor into the
// ring and a mailbox capacity: when a subscriber falls more than a mailbox
// behind, its oldest pending frames are skipped and counted as dropped. The
// publisher only writes one ring slot and wakes waiters, so its cost does
// not depend on how many subscribers exist or how slow they are.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/google/uuid"
)

var (
	ErrNoFrameYet         = errors.New("bus: no frame published yet")
	ErrClosed             = errors.New("bus: closed")
	ErrSubscriberNotFound = errors.New("bus: subscriber not found")
	ErrSubscriberClosed   = errors.New("bus: subscriber closed")
	ErrStaleSequence      = errors.New("bus: sequence number not increasing")
)

// Defaults used when Options leave a field at zero.
const (
	DefaultMailboxSize = 3
	DefaultRingSize    = 16
)

// Options configure a Bus.
type Options struct {
	// MailboxSize is the per-subscriber capacity unless overridden on Subscribe.
	MailboxSize int
	// RingSize is the number of recent frames retained. It is raised to the
	// largest mailbox in use.
	RingSize int
}

// Bus is a single-producer, multi-consumer frame distributor.
type Bus struct {
	mailboxSize int

	mu      sync.RWMutex
	ring    []*frame.Stream
	head    uint64 // frames published so far
	lastSeq uint64
	lastAt  time.Time
	notify  chan struct{}
	subs    map[string]*Subscriber
	closed  bool
}

// New creates an empty bus.
func New(opts Options) *Bus {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.RingSize < opts.MailboxSize {
		opts.RingSize = opts.MailboxSize
	}
	return &Bus{
		mailboxSize: opts.MailboxSize,
		ring:        make([]*frame.Stream, opts.RingSize),
		notify:      make(chan struct{}),
		subs:        make(map[string]*Subscriber),
	}
}

// Publish makes f the newest frame. It never waits on a subscriber. The
// frame must not be modified afterwards and its sequence number must be
// greater than the previous one.
func (b *Bus) Publish(f *frame.Stream) error {
	if f == nil {
		return fmt.Errorf("bus: nil frame")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.head > 0 && f.Seq <= b.lastSeq {
		last := b.lastSeq
		b.mu.Unlock()
		return fmt.Errorf("%w: %d after %d", ErrStaleSequence, f.Seq, last)
	}

	b.ring[b.head%uint64(len(b.ring))] = f
	b.head++
	b.lastSeq = f.Seq
	b.lastAt = time.Now()

	wake := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()

	close(wake)
	return nil
}

// Snapshot returns the most recently published frame without subscribing.
func (b *Bus) Snapshot() (*frame.Stream, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.head == 0 {
		return nil, ErrNoFrameYet
	}
	return b.ring[(b.head-1)%uint64(len(b.ring))], nil
}

// SubscribeOption customises a single subscription.
type SubscribeOption func(*Subscriber)

// WithMailbox overrides the bus default mailbox capacity.
func WithMailbox(n int) SubscribeOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// Subscribe registers a subscriber that receives frames published from now
// on. name is a label for status output.
func (b *Bus) Subscribe(name string, opts ...SubscribeOption) (*Subscriber, error) {
	s := &Subscriber{
		id:       uuid.NewString(),
		name:     name,
		bus:      b,
		capacity: b.mailboxSize,
		created:  time.Now(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if s.capacity > len(b.ring) {
		b.growRing(s.capacity)
	}
	s.cursor = b.head
	b.subs[s.id] = s

	logger.WithComponent("frame-bus").Debug().
		Str("subscriber", s.id).
		Str("name", name).
		Int("mailbox", s.capacity).
		Msg("Subscriber added")

	return s, nil
}

// growRing enlarges the ring keeping the retained frames at their
// positions. Caller holds b.mu.
func (b *Bus) growRing(size int) {
	old := b.ring
	b.ring = make([]*frame.Stream, size)
	n := uint64(len(old))
	start := uint64(0)
	if b.head > n {
		start = b.head - n
	}
	for i := start; i < b.head; i++ {
		b.ring[i%uint64(size)] = old[i%n]
	}
}

// Unsubscribe removes a subscriber. Pending frames are discarded and any
// blocked Next call returns ErrSubscriberClosed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	s.markClosed()

	logger.WithComponent("frame-bus").Debug().
		Str("subscriber", id).
		Str("name", s.name).
		Msg("Subscriber removed")
	return nil
}

// Close stops the bus. Subscribers drain what is already pending and then
// receive ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	wake := b.notify
	b.mu.Unlock()

	close(wake)
}

// SubscriberStats describes one subscriber.
type SubscriberStats struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Mailbox     int       `json:"mailbox"`
	Delivered   uint64    `json:"delivered"`
	Dropped     uint64    `json:"dropped"`
	Pending     int       `json:"pending"`
	LastSeq     uint64    `json:"last_seq"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Published   uint64            `json:"published"`
	LastSeq     uint64            `json:"last_seq"`
	LastPublish time.Time         `json:"last_publish,omitempty"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Stats returns counters for the bus and every subscriber.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Published:   b.head,
		LastSeq:     b.lastSeq,
		LastPublish: b.lastAt,
		Subscribers: make([]SubscriberStats, 0, len(b.subs)),
	}
	for _, s := range b.subs {
		st.Subscribers = append(st.Subscribers, s.stats(b.head))
	}
	return st
}

// SubscriberStats returns counters for one subscriber.
func (b *Bus) SubscriberStats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.subs[id]
	if !ok {
		return SubscriberStats{}, fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	return s.stats(b.head), nil
}

// Len reports the number of active subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
