package notify

import (
	"context"
	"sync"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/observability/metrics"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Subscription is one independent listener on the broker.
type Subscription struct {
	name string
	ch   chan alerting.Event
	once sync.Once
}

// Name identifies the subscriber in logs and metrics.
func (s *Subscription) Name() string { return s.name }

// C delivers events until the subscription is removed.
func (s *Subscription) C() <-chan alerting.Event { return s.ch }

// Broker fans out events to every current subscriber without blocking the publisher.
// Events are dropped for a subscriber whose buffer is full.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroker constructs a broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener.
func (b *Broker) Subscribe(name string, buffer int) *Subscription {
	if b == nil {
		return nil
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{name: name, ch: make(chan alerting.Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Subscribers returns the number of current listeners.
func (b *Broker) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers event to every subscriber that has room.
func (b *Broker) Publish(_ context.Context, event alerting.Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			metrics.IncFanoutDropped(sub.name)
		}
	}
}

// Close removes every subscriber. Later publishes are ignored.
func (b *Broker) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}
