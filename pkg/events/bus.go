package events

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/practicase/practicase/pkg/metrics"
)

// Bus is the in-process topic bus. Publish delivers an envelope to every
// current subscriber of a topic without blocking: each subscriber owns a
// bounded queue and overflow drops the oldest entry.
//
// Publishes for one session always happen under that session's lock, so a
// topic sees envelopes in transition order. Across topics there is no
// ordering guarantee.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]map[*Subscription]struct{}
	queueSize int
	closed    bool
}

// Subscription is one subscriber's bounded delivery queue on a topic.
type Subscription struct {
	bus       *Bus
	topic     string
	ch        chan []byte
	closeOnce sync.Once
}

// NewBus creates a Bus whose subscribers buffer up to queueSize envelopes.
func NewBus(queueSize int) *Bus {
	return &Bus{
		topics:    make(map[string]map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers a new subscription on topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	s := &Subscription{
		bus:   b,
		topic: topic,
		ch:    make(chan []byte, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s
}

// Publish delivers data to every current subscriber of topic. Slow
// subscribers lose their oldest queued envelope rather than stalling the
// publisher.
func (b *Bus) Publish(topic string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	subs := b.topics[topic]
	if len(subs) == 0 {
		return
	}
	for s := range subs {
		select {
		case s.ch <- data:
		default:
			// Queue full: drop the oldest, then retry once.
			select {
			case <-s.ch:
				metrics.EnvelopesDropped.Inc()
			default:
			}
			select {
			case s.ch <- data:
			default:
				metrics.EnvelopesDropped.Inc()
			}
		}
	}
	metrics.EnvelopesPublished.Inc()
}

// PublishJSON marshals v and publishes it on topic. Marshal failures are
// logged and dropped; payload structs are wire types that must not fail.
func (b *Bus) PublishJSON(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal envelope", "topic", topic, "error", err)
		return
	}
	b.Publish(topic, data)
}

// Shutdown closes every subscription. Further publishes are no-ops.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for s := range subs {
			s.closeOnce.Do(func() { close(s.ch) })
		}
		delete(b.topics, topic)
	}
}

// C returns the subscription's delivery channel. It is closed when the
// subscription is closed or the bus shuts down.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string {
	return s.topic
}

// Close removes the subscription from its topic and closes the delivery
// channel. Idempotent.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	if subs, ok := b.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
	b.mu.Unlock()

	// Safe: Publish holds the read lock for the whole send, so after the
	// write section above no publisher can still hold a reference.
	s.closeOnce.Do(func() { close(s.ch) })
}
