package events

import (
	"sync"
)

// Subscriber handles a committed event. It runs on the publisher's goroutine and
// must hand off anything slow.
type Subscriber func(TradeEvent)

// EventBus delivers committed trade events to subscribers in commit order
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[Type][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for specific event types
func (eb *EventBus) Subscribe(subscriber Subscriber, types ...Type) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, t := range types {
		eb.subscribers[t] = append(eb.subscribers[t], subscriber)
	}
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends events to all matching subscribers, in order
func (eb *EventBus) Publish(evs ...TradeEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ev := range evs {
		for _, sub := range eb.subscribers[ev.Type] {
			sub(ev)
		}
		for _, sub := range eb.allSubs {
			sub(ev)
		}
	}
}
