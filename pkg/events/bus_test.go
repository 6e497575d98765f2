package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus(t *testing.T) {
	t.Run("routes by name", func(t *testing.T) {
		bus := NewBus()
		var got []Event
		bus.Subscribe(EdgeCreated, func(e Event) { got = append(got, e) })
		bus.Subscribe(GraphSynced, func(e Event) { t.Fatal("wrong handler fired") })

		bus.Publish(EdgeCreated, map[string]any{"from": "a"})

		require.Len(t, got, 1)
		assert.Equal(t, EdgeCreated, got[0].Name)
		assert.Equal(t, "a", got[0].Fields["from"])
		assert.False(t, got[0].At.IsZero())
	})

	t.Run("subscribe all sees everything", func(t *testing.T) {
		bus := NewBus()
		count := 0
		bus.SubscribeAll(func(Event) { count++ })

		bus.Publish(GraphSynced, nil)
		bus.Publish(MetricsComputed, nil)
		assert.Equal(t, 2, count)
	})

	t.Run("nil bus is a no-op", func(t *testing.T) {
		var bus *Bus
		assert.NotPanics(t, func() {
			bus.Publish(EdgeUpdated, nil)
		})
	})

	t.Run("publish without subscribers", func(t *testing.T) {
		bus := NewBus()
		assert.NotPanics(t, func() { bus.Publish(AlgorithmScored, nil) })
	})
}
