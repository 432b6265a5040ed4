package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitDeliversInSequenceOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe()

	bus.Emit(Event{Kind: KindModuleRegistered, ModuleID: "vision"})
	bus.Emit(Event{Kind: KindModuleActivity, ModuleID: "vision"})
	bus.Emit(Event{Kind: KindMessagePrioritized, Class: "high"})

	first := <-ch
	second := <-ch
	third := <-ch

	assert.Equal(t, KindModuleRegistered, first.Kind)
	assert.Equal(t, KindModuleActivity, second.Kind)
	assert.Equal(t, KindMessagePrioritized, third.Kind)

	assert.Less(t, first.Seq, second.Seq)
	assert.Less(t, second.Seq, third.Seq)
	assert.False(t, first.Timestamp.IsZero())
}

func TestBus_EmitNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Subscriber that never reads.
	_ = bus.Subscribe()

	// Emit more events than the channel can buffer; must not deadlock.
	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Emit(Event{Kind: KindModuleActivity})
	}

	stats := bus.Stats()
	assert.Equal(t, uint64(subscriberBuffer*2), stats.TotalEmitted)
	assert.Equal(t, uint64(subscriberBuffer), stats.TotalDropped)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	_, open := <-ch
	require.False(t, open, "unsubscribed channel should be closed")

	assert.Equal(t, 0, bus.Stats().SubscriberCount)
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	// Emit after close is a no-op and must not panic.
	bus.Emit(Event{Kind: KindStateSynced})
}
