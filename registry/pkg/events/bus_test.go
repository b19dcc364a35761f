package events_test

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/rebalnet/registry/registry/pkg/events"
)

func TestRegistry_Events_Bus(t *testing.T) {
	t.Parallel()

	t.Run("fan out to all subscribers", func(t *testing.T) {
		t.Parallel()
		bus := events.NewBus(4)
		a := bus.Subscribe()
		b := bus.Subscribe()

		bus.Publish(events.Event{
			Type:   events.TypeVoteCast,
			Basket: solana.NewWallet().PublicKey(),
			At:     time.Now().UTC(),
		})

		for _, ch := range []chan events.Event{a, b} {
			select {
			case evt := <-ch:
				require.Equal(t, events.TypeVoteCast, evt.Type)
				require.NotEmpty(t, evt.ID)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
	})

	t.Run("event ids are unique", func(t *testing.T) {
		t.Parallel()
		bus := events.NewBus(8)
		ch := bus.Subscribe()
		basket := solana.NewWallet().PublicKey()
		at := time.Now().UTC()

		seen := map[string]struct{}{}
		for range 5 {
			bus.Publish(events.Event{Type: events.TypeVoteCast, Basket: basket, At: at})
			evt := <-ch
			_, dup := seen[evt.ID]
			require.False(t, dup)
			seen[evt.ID] = struct{}{}
		}
	})

	t.Run("slow subscriber drops instead of blocking", func(t *testing.T) {
		t.Parallel()
		bus := events.NewBus(1)
		ch := bus.Subscribe()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 10; i++ {
				bus.Publish(events.Event{Type: events.TypeVoteCast, At: time.Now()})
			}
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a slow subscriber")
		}
		require.NotEmpty(t, <-ch)
	})

	t.Run("unsubscribe closes the channel", func(t *testing.T) {
		t.Parallel()
		bus := events.NewBus(1)
		ch := bus.Subscribe()
		bus.Unsubscribe(ch)
		_, open := <-ch
		require.False(t, open)

		// Publishing after unsubscribe is a no-op for that channel.
		bus.Publish(events.Event{Type: events.TypeVoteCast, At: time.Now()})
	})

	t.Run("close ends all subscribers", func(t *testing.T) {
		t.Parallel()
		bus := events.NewBus(1)
		a := bus.Subscribe()
		b := bus.Subscribe()
		bus.Close()
		_, open := <-a
		require.False(t, open)
		_, open = <-b
		require.False(t, open)
	})
}
