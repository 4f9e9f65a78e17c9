// Package eventbus is the in-process broadcaster for observation-created and
// session-ended signals. Publishing never blocks the write path: each
// subscriber owns a bounded buffer, and on overflow the oldest message is
// dropped and a metric incremented.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/clopca/open-mem/internal/telemetry"
)

// bgCtx is reused for instrument adds; publishing has no request context.
var bgCtx = context.Background()

// DefaultBufferSize is the per-subscriber queue depth.
const DefaultBufferSize = 64

// Bus dispatches messages to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	bufSize int
	closed  bool
}

type subscriber struct {
	ch     chan Message
	topics map[Topic]bool // nil means all topics
}

var busMetrics struct {
	published metric.Int64Counter
	dropped   metric.Int64Counter
}

var busMetricsOnce sync.Once

func initBusMetrics() {
	m := telemetry.Meter("github.com/clopca/open-mem/eventbus")
	busMetrics.published, _ = m.Int64Counter("openmem.bus.published",
		metric.WithDescription("Messages published to the event bus"))
	busMetrics.dropped, _ = m.Int64Counter("openmem.bus.dropped",
		metric.WithDescription("Messages dropped due to full subscriber buffers"))
}

// New creates a bus with the default per-subscriber buffer.
func New() *Bus {
	return NewWithBuffer(DefaultBufferSize)
}

// NewWithBuffer creates a bus with a custom per-subscriber buffer depth.
func NewWithBuffer(size int) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	busMetricsOnce.Do(initBusMetrics)
	return &Bus{subs: make(map[int]*subscriber), bufSize: size}
}

// Subscribe registers a listener. With no topics, every message is
// delivered. The returned cancel function unregisters and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Message, b.bufSize)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	id := b.nextID
	b.nextID++
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish fans the message out. Full subscribers lose their oldest message;
// the publisher is never blocked and errors never propagate to the caller.
func (b *Bus) Publish(msg Message) {
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	if busMetrics.published != nil {
		busMetrics.published.Add(bgCtx, 1)
	}
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[msg.Topic] {
			continue
		}
		for {
			select {
			case sub.ch <- msg:
			default:
				// Buffer full: drop the oldest and retry once. If a racing
				// reader drained the channel meanwhile the send just wins.
				select {
				case <-sub.ch:
					if busMetrics.dropped != nil {
						busMetrics.dropped.Add(bgCtx, 1)
					}
				default:
				}
				continue
			}
			break
		}
	}
}

// Close unregisters every subscriber and closes their channels. Publish
// becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// SubscriberCount reports the number of registered listeners.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
