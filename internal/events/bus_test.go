package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(TypeSignalIngested, map[string]interface{}{"signal_id": "abc"})

	ev := <-ch
	assert.Equal(t, TypeSignalIngested, ev.Type)
	assert.Equal(t, "abc", ev.Payload["signal_id"])
	assert.False(t, ev.Timestamp.IsZero())
}

func TestFanOut(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	a, unsubA := bus.Subscribe()
	defer unsubA()
	b, unsubB := bus.Subscribe()
	defer unsubB()

	bus.Publish(TypePredictionCreated, nil)

	assert.Equal(t, TypePredictionCreated, (<-a).Type)
	assert.Equal(t, TypePredictionCreated, (<-b).Type)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// Overfill the 64-slot buffer. Publish must never block.
	for i := 0; i < 100; i++ {
		bus.Publish(TypeReplayProgress, map[string]interface{}{"i": i})
	}

	assert.Len(t, ch, 64)
	first := <-ch
	assert.Equal(t, 0, first.Payload["i"])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	ch, unsubscribe := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Unsubscribing twice is harmless.
	unsubscribe()

	// Publishing after unsubscribe reaches nobody and does not panic.
	bus.Publish(TypeSignalIngested, nil)
}
