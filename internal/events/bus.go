// Package events carries work-item lifecycle events from the scheduling core
// to observers such as the audit log.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventItemDispatched is published when an item is admitted into the pool.
	EventItemDispatched EventType = "item_dispatched"
	// EventItemCompleted is published when an execution finishes, failed or not.
	EventItemCompleted EventType = "item_completed"
	// EventItemTransitioned is published after a transition is written back.
	EventItemTransitioned EventType = "item_transitioned"
	// EventItemBlocked is published when an item is held back by dependencies.
	EventItemBlocked EventType = "item_blocked"
	// EventOrphanRecovered is published when startup recovery reverts an item.
	EventOrphanRecovered EventType = "orphan_recovered"
	// EventShutdownPhase is published on every shutdown phase change.
	EventShutdownPhase EventType = "shutdown_phase"
)

// AllEventTypes lists every type the daemon publishes.
var AllEventTypes = []EventType{
	EventItemDispatched,
	EventItemCompleted,
	EventItemTransitioned,
	EventItemBlocked,
	EventOrphanRecovered,
	EventShutdownPhase,
}

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously via a
// buffered channel per subscriber; if that channel is full the event is
// dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	wg          sync.WaitGroup
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every type in AllEventTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllEventTypes))
	for _, et := range AllEventTypes {
		unsubs = append(unsubs, b.Subscribe(et, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// deliver isolates the bus from a panicking subscriber.
func deliver(fn Subscriber, event Event) {
	defer func() { _ = recover() }()
	fn(event)
}

// Publish sends an event to all subscribers of the given type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and waits for queued deliveries.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
