// Package events implements the typed event bus that connects the routing
// core to its observers. Components publish lifecycle and progress events
// (module registration, message dispatch, sync completion) and any number of
// subscribers consume them over buffered channels without ever blocking the
// emitting component.
package events

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the event type carried by an Event.
type Kind string

const (
	KindModuleRegistered       Kind = "module_registered"
	KindModuleActivity         Kind = "module_activity"
	KindMessagePrioritized     Kind = "message_prioritized"
	KindConsciousnessProcessed Kind = "consciousness_message_processed"
	KindStateSynced            Kind = "state_synced"
	KindSyncCycleCompleted     Kind = "sync_cycle_completed"
)

// Event is a single observation emitted by the core. Only the fields relevant
// to the Kind are populated.
type Event struct {
	// Seq is a bus-wide monotonically increasing sequence number assigned at
	// emit time. Subscribers can rely on it for ordering.
	Seq       uint64
	Kind      Kind
	Timestamp time.Time

	// ModuleID is set for registry and sync events.
	ModuleID string

	// Class carries the assigned priority class for dispatch events.
	Class string

	// Latency is the measured handler latency for processed-message events.
	Latency time.Duration

	// Version is the master state version for sync events.
	Version uint64
}

// Bus fans events out to subscribers. Subscriber channels are buffered and
// events are dropped per-subscriber when a channel is full; a slow consumer
// never stalls the dispatcher or the synchronizer.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool

	sequence atomic.Uint64
	dropped  atomic.Uint64
}

const subscriberBuffer = 64

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber and returns its receive channel. The
// channel is closed when the bus is closed or the subscriber unsubscribes.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber previously returned by Subscribe and
// closes its channel. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if reflect.ValueOf(sub).Pointer() == target {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Emit assigns a sequence number and delivers the event to every subscriber.
// Safe to call from any goroutine. Never blocks: full subscriber channels
// drop the event and the drop is counted.
func (b *Bus) Emit(event Event) {
	event.Seq = b.sequence.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels. Emit becomes
// a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}

// Stats reports bus counters for diagnostics.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BusStats{
		SubscriberCount: len(b.subscribers),
		TotalEmitted:    b.sequence.Load(),
		TotalDropped:    b.dropped.Load(),
	}
}

// BusStats holds event bus counters.
type BusStats struct {
	SubscriberCount int
	TotalEmitted    uint64
	TotalDropped    uint64
}
