package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"synapse/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return New(DefaultOptions(), Classifier{}, nil, zap.NewNop())
}

func noopHandler(context.Context, Message) error { return nil }

func TestSubmit_NonBlockingAndClassifiedOnce(t *testing.T) {
	d := newTestDispatcher(t)

	require.NoError(t, d.Submit(Message{Type: TypeStateUpdate}, noopHandler))
	require.NoError(t, d.Submit(Message{Type: "unknown_x"}, noopHandler))

	stats := d.Stats()
	assert.Equal(t, 1, stats.QueueLengths["consciousness"])
	assert.Equal(t, 1, stats.QueueLengths["background"])
	assert.Equal(t, uint64(0), stats.TotalProcessed)
}

func TestSubmit_AssignsID(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Submit(Message{Type: TypeChat}, noopHandler))

	item, ok := d.next()
	require.True(t, ok)
	assert.NotEmpty(t, item.msg.ID)
	assert.False(t, item.msg.EnqueuedAt.IsZero())
}

func TestNext_StrictPriorityOrder(t *testing.T) {
	d := newTestDispatcher(t)

	require.NoError(t, d.Submit(Message{Type: "unknown_x"}, noopHandler))
	require.NoError(t, d.Submit(Message{Type: TypeChat}, noopHandler))
	require.NoError(t, d.Submit(Message{Type: TypeStateUpdate}, noopHandler))

	first, ok := d.next()
	require.True(t, ok)
	assert.Equal(t, ClassConsciousness, first.msg.Class)

	second, ok := d.next()
	require.True(t, ok)
	assert.Equal(t, ClassHigh, second.msg.Class)

	third, ok := d.next()
	require.True(t, ok)
	assert.Equal(t, ClassBackground, third.msg.Class)

	_, ok = d.next()
	assert.False(t, ok)
}

func TestNext_FIFOWithinClass(t *testing.T) {
	d := newTestDispatcher(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Submit(Message{ID: fmt.Sprintf("m%d", i), Type: TypeChat}, noopHandler))
	}
	for i := 0; i < 5; i++ {
		item, ok := d.next()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("m%d", i), item.msg.ID)
	}
}

func TestNext_AntiStarvation(t *testing.T) {
	d := newTestDispatcher(t)
	limit := DefaultOptions().StarvationLimit

	require.NoError(t, d.Submit(Message{ID: "bg", Type: "unknown_x"}, noopHandler))
	for i := 0; i < limit*2; i++ {
		require.NoError(t, d.Submit(Message{Type: TypeStateUpdate}, noopHandler))
	}

	// The pending background message must surface within the starvation
	// limit despite the sustained consciousness-class stream.
	position := -1
	for i := 0; i <= limit; i++ {
		item, ok := d.next()
		require.True(t, ok)
		if item.msg.ID == "bg" {
			position = i
			break
		}
		assert.Equal(t, ClassConsciousness, item.msg.Class)
	}
	assert.Equal(t, limit, position)
}

func TestNext_AntiStarvationCounterResets(t *testing.T) {
	d := newTestDispatcher(t)
	d.SetStarvationLimit(2)

	require.NoError(t, d.Submit(Message{ID: "bg1", Type: "unknown_x"}, noopHandler))
	require.NoError(t, d.Submit(Message{ID: "bg2", Type: "unknown_x"}, noopHandler))
	for i := 0; i < 6; i++ {
		require.NoError(t, d.Submit(Message{Type: TypeStateUpdate}, noopHandler))
	}

	var ids []string
	for {
		item, ok := d.next()
		if !ok {
			break
		}
		ids = append(ids, item.msg.ID)
	}

	// Two consciousness dispatches, forced background, twice over, then the
	// remaining consciousness backlog.
	require.Len(t, ids, 8)
	assert.Equal(t, "bg1", ids[2])
	assert.Equal(t, "bg2", ids[5])
}

func TestRun_ProcessesAndStops(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var mu sync.Mutex
	var processed []string
	record := func(_ context.Context, msg Message) error {
		mu.Lock()
		processed = append(processed, msg.ID)
		mu.Unlock()
		return nil
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Submit(Message{ID: fmt.Sprintf("m%d", i), Type: "unknown_x"}, record))
	}

	assert.Eventually(t, func() bool {
		return d.Stats().TotalProcessed == 10
	}, time.Second, 5*time.Millisecond)

	// Single drain loop preserves submission order within the class.
	mu.Lock()
	for i, id := range processed {
		assert.Equal(t, fmt.Sprintf("m%d", i), id)
	}
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.ErrorIs(t, d.Submit(Message{Type: TypeChat}, noopHandler), ErrStopped)
}

func TestRun_DrainsQueuedWorkOnShutdown(t *testing.T) {
	d := newTestDispatcher(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Submit(Message{Type: "unknown_x"}, noopHandler))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	stats := d.Stats()
	assert.Equal(t, uint64(5), stats.TotalProcessed)
	assert.Equal(t, 0, stats.QueueLengths["background"])
}

func TestHandlerFailure_RecordedNotRetried(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Submit(Message{Type: TypeChat}, func(context.Context, Message) error {
		return errors.New("synthesis failed")
	}))

	item, ok := d.next()
	require.True(t, ok)
	d.dispatch(context.Background(), item)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.TotalProcessed)
	assert.Equal(t, uint64(1), stats.FailedMessages)
	// Not re-enqueued anywhere.
	for _, n := range stats.QueueLengths {
		assert.Zero(t, n)
	}
}

func TestStats_PrioritizationRate(t *testing.T) {
	d := newTestDispatcher(t)
	msgs := []Message{
		{Type: TypeStateUpdate},
		{Type: TypeStateUpdate},
		{Type: TypeChat},
		{Type: "unknown_x"},
	}
	for _, m := range msgs {
		require.NoError(t, d.Submit(m, noopHandler))
	}
	for {
		item, ok := d.next()
		if !ok {
			break
		}
		d.dispatch(context.Background(), item)
	}

	stats := d.Stats()
	assert.Equal(t, uint64(4), stats.TotalProcessed)
	assert.Equal(t, uint64(3), stats.PrioritizedMessages)
	assert.InDelta(t, 75.0, stats.PrioritizationRate, 1e-9)
}

func TestDispatch_EmitsCompletionEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe()

	d := New(DefaultOptions(), Classifier{}, bus, zap.NewNop())
	require.NoError(t, d.Submit(Message{Type: TypeStateUpdate, ModuleID: "vision"}, noopHandler))

	item, ok := d.next()
	require.True(t, ok)
	d.dispatch(context.Background(), item)

	prioritized := <-ch
	assert.Equal(t, events.KindMessagePrioritized, prioritized.Kind)
	assert.Equal(t, "consciousness", prioritized.Class)

	completed := <-ch
	assert.Equal(t, events.KindConsciousnessProcessed, completed.Kind)
	assert.Equal(t, "vision", completed.ModuleID)
}
