package state

import (
	"sync"
	"sync/atomic"
)

type EventType int

const (
	NOTIFICATION_CHAN_LENGTH = 100
)

const (
	EventUnkown EventType = iota
	MixStarted
	MixCompleted
	MixFailed
	MixTimeout
	PoolDeposit
	PoolRebalanced
	PoolChunkProcessed
	PoolMixingReady
)

func (e EventType) String() string {
	return [...]string{"unknown", "mix:started", "mix:completed", "mix:failed", "mix:timeout", "pool:deposit", "pool:rebalanced", "pool:chunk_processed", "pool:mixing_ready"}[e]
}

// Notifier is the publishing side of the bus, injected into the engine and the pool manager.
type Notifier interface {
	Publish(n Notification)
}

// EventBus fans notifications out to buffered subscriber channels. Delivery is
// fire-and-forget: a subscriber whose buffer is full misses the notification.
type EventBus struct {
	subscribers map[EventType][]chan Notification
	mu          sync.RWMutex
	dropped     atomic.Uint64
}

var _ Notifier = (*EventBus)(nil)

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]chan Notification),
	}
}

func (eb *EventBus) Subscribe(eventType EventType, ch chan Notification) {
	if ch == nil {
		panic("channel == nil")
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
}

// SubscribeAll registers ch for every known event type.
func (eb *EventBus) SubscribeAll(ch chan Notification) {
	for t := MixStarted; t <= PoolMixingReady; t++ {
		eb.Subscribe(t, ch)
	}
}

func (eb *EventBus) Publish(n Notification) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[n.Type()] {
		select {
		case ch <- n:
		default:
			eb.dropped.Add(1)
		}
	}
}

func (eb *EventBus) Unsubscribe(eventType EventType, ch chan Notification) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subscribers, ok := eb.subscribers[eventType]
	if !ok {
		return
	}

	for i, subscriber := range subscribers {
		if subscriber == ch {
			eb.subscribers[eventType] = append(subscribers[:i:i], subscribers[i+1:]...)
			break
		}
	}
	if len(eb.subscribers[eventType]) == 0 {
		delete(eb.subscribers, eventType)
	}
}

// UnsubscribeAll reverses SubscribeAll.
func (eb *EventBus) UnsubscribeAll(ch chan Notification) {
	for t := MixStarted; t <= PoolMixingReady; t++ {
		eb.Unsubscribe(t, ch)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
