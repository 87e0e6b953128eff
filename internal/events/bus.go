// Package events implements the in-process event bus: a bounded broadcast
// channel per subscriber. Slow consumers observe drops; producers never block.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/internal/metrics"
	"github.com/maestro-llm/maestro/pkg/models"
)

// DefaultBufferSize is the per-subscriber event buffer (256).
const DefaultBufferSize = 256

// Subscription is one consumer's bounded event stream.
type Subscription struct {
	C chan models.Event

	mu      sync.Mutex
	dropped uint64
}

// Dropped returns how many events this subscriber has lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Bus broadcasts lifecycle events to all subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	bufSize int
	closed  bool
}

// Option configures the bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber buffer (default 256).
func WithBufferSize(n int) Option {
	return func(b *Bus) { b.bufSize = n }
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[*Subscription]struct{}),
		bufSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan models.Event, b.bufSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.C)
}

// Publish broadcasts an event. On a full subscriber buffer the oldest event
// is dropped and the subscriber's drop counter incremented.
func (b *Bus) Publish(evt models.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = models.SeverityInfo
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.C <- evt:
		default:
			// Buffer full: evict the oldest, then retry once.
			select {
			case <-sub.C:
				sub.mu.Lock()
				sub.dropped++
				sub.mu.Unlock()
				metrics.EventsDropped.Inc()
			default:
			}
			select {
			case sub.C <- evt:
			default:
				sub.mu.Lock()
				sub.dropped++
				sub.mu.Unlock()
				metrics.EventsDropped.Inc()
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close flushes nothing and closes all subscriber channels. Publish after
// Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.C)
		delete(b.subs, sub)
	}
	log.Info().Msg("Event bus closed")
}
