package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus(4, zap.NewNop())
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(PlayersUpdated{Server: "alpha", At: time.Now()})

	require.Equal(t, "alpha", (<-a).Server)
	require.Equal(t, "alpha", (<-c).Server)
}

func TestBusDropsWhenSubscriberLags(t *testing.T) {
	b := NewBus(1, zap.NewNop())
	ch := b.Subscribe()

	// Fill the buffer, then publish into a full channel: the publisher
	// must not block.
	b.Publish(PlayersUpdated{Server: "one"})
	done := make(chan struct{})
	go func() {
		b.Publish(PlayersUpdated{Server: "two"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a lagging subscriber")
	}

	require.Equal(t, "one", (<-ch).Server)
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	b := NewBus(4, zap.NewNop())
	ch := b.Subscribe()

	b.Close()
	b.Close() // idempotent
	b.Publish(PlayersUpdated{Server: "late"})

	_, ok := <-ch
	require.False(t, ok)
}
