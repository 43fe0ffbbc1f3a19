package events

import (
	"sync"
	"sync/atomic"
)

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
	dropped atomic.Int64
}

var _ Publisher = (*EventBus)(nil)

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe creates a subscription to a specific topic.
// bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// bufSize defaults to 256 if <= 0.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := newChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Unsubscribe detaches and closes a channel returned by Subscribe or SubscribeAll.
// Unknown channels are ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for topic, channels := range b.subs {
		if rest, ch, ok := remove(channels, sub); ok {
			b.subs[topic] = rest
			close(ch)
			return
		}
	}
	if rest, ch, ok := remove(b.allSubs, sub); ok {
		b.allSubs = rest
		close(ch)
	}
}

// Publish sends an event to all subscribers of the given topic and to every
// SubscribeAll channel. Never blocks: a full subscriber misses the event.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

func (b *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

func newChannel(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	return make(chan Event, bufSize)
}

func remove(channels []chan Event, target <-chan Event) ([]chan Event, chan Event, bool) {
	for i, ch := range channels {
		if (<-chan Event)(ch) == target {
			return append(channels[:i:i], channels[i+1:]...), ch, true
		}
	}
	return channels, nil, false
}
