package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/koe/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemoryBus(testLogger())
	ctx := context.Background()

	a, cancelA, err := bus.Subscribe(ctx, "session-1")
	require.NoError(t, err)
	defer cancelA()

	b, cancelB, err := bus.Subscribe(ctx, "session-1")
	require.NoError(t, err)
	defer cancelB()

	other, cancelOther, err := bus.Subscribe(ctx, "session-2")
	require.NoError(t, err)
	defer cancelOther()

	event := model.ProcessingStartedEvent{TurnID: "turn-1"}
	require.NoError(t, bus.Publish(ctx, "session-1", event))

	for _, ch := range []<-chan model.Event{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, model.EventProcessingStarted, got.Type())
			assert.Equal(t, "turn-1", got.Turn())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case <-other:
		t.Fatal("event leaked to another session")
	default:
	}
}

func TestMemoryBusDropsWhenFull(t *testing.T) {
	bus := NewMemoryBus(testLogger())
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, "s")
	require.NoError(t, err)
	defer cancel()

	// Fill the buffer plus extra; Publish must never block.
	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, bus.Publish(ctx, "s", model.ResponseChunkEvent{TurnID: "t", Text: "x"}))
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBuffer, received)
			return
		}
	}
}

func TestMemoryBusCancelIdempotent(t *testing.T) {
	bus := NewMemoryBus(testLogger())

	ch, cancel, err := bus.Subscribe(context.Background(), "s")
	require.NoError(t, err)
	cancel()
	cancel() // second call must not panic

	_, open := <-ch
	assert.False(t, open)

	// Publishing to a session with no subscribers is a no-op.
	require.NoError(t, bus.Publish(context.Background(), "s", model.ResponseDoneEvent{TurnID: "t"}))
}

func TestMemoryBusContextCancelReleases(t *testing.T) {
	bus := NewMemoryBus(testLogger())
	ctx, cancelCtx := context.WithCancel(context.Background())

	ch, _, err := bus.Subscribe(ctx, "s")
	require.NoError(t, err)
	cancelCtx()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}
