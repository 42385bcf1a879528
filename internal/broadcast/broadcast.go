// Package broadcast fans events out to live observers. Publishing never
// blocks: each observer owns a bounded queue and a full queue sheds its
// oldest event.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/example/promptrelay/api-go/internal/model"
)

const DefaultBuffer = 64

// DropCounter is notified whenever an observer's queue sheds an event.
type DropCounter interface {
	IncEventsDropped()
}

type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	buffer int
	log    *slog.Logger
	drops  DropCounter
}

// New creates a broadcaster whose observers buffer up to buffer events.
func New(buffer int, log *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		log:    log,
	}
}

// WithDropCounter attaches a metrics sink for shed events.
func (b *Broadcaster) WithDropCounter(d DropCounter) *Broadcaster {
	b.drops = d
	return b
}

// Subscription is one attached observer.
type Subscription struct {
	id      uint64
	ch      chan model.Event
	b       *Broadcaster
	dropped atomic.Uint64
	closed  bool // guarded by b.mu
}

// Subscribe attaches a new observer. Its queue starts with a connected
// event; after that it only sees events published from now on.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan model.Event, b.buffer), b: b}
	sub.ch <- model.ConnectedEvent()

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()

	b.log.Debug("observer attached", "observer_id", sub.id, "observers", n)
	return sub
}

// Publish delivers ev to every attached observer without waiting on any of them.
func (b *Broadcaster) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.offer(ev) {
			sub.dropped.Add(1)
			if b.drops != nil {
				b.drops.IncEventsDropped()
			}
		}
	}
}

// Count returns the number of attached observers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// offer enqueues ev, evicting the oldest queued event if the queue is full.
// It reports false when an event had to be discarded.
func (s *Subscription) offer(ev model.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}
	// Queue full: drop the oldest and retry once. The consumer may race us
	// and drain in between, which is fine.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	return false
}

// Events is the observer's receive side. It is closed by Close.
func (s *Subscription) Events() <-chan model.Event { return s.ch }

// Dropped returns how many events this observer lost to a full queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the observer. It is safe to call concurrently with Publish
// and more than once.
func (s *Subscription) Close() {
	b := s.b
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return
	}
	s.closed = true
	delete(b.subs, s.id)
	close(s.ch)
	n := len(b.subs)
	b.mu.Unlock()

	b.log.Debug("observer detached", "observer_id", s.id, "observers", n, "dropped", s.Dropped())
}
