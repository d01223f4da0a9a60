package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_Subscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx)
	bus.Publish(NodeOffline, Payload{NodeID: "n1"})

	select {
	case ev := <-ch:
		require.Equal(t, NodeOffline, ev.Type)
		require.Equal(t, "n1", ev.Payload.NodeID)
		require.False(t, ev.Timestamp.IsZero())
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for event")
	}
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx := context.Background()
	subs := []<-chan Event[int]{broker.Subscribe(ctx), broker.Subscribe(ctx), broker.Subscribe(ctx)}
	require.Equal(t, 3, broker.SubscriberCount())

	broker.Publish(TaskCreated, 42)

	for i, ch := range subs {
		select {
		case ev := <-ch:
			assert.Equal(t, 42, ev.Payload, "subscriber %d", i)
		case <-time.After(100 * time.Millisecond):
			require.Fail(t, "timeout waiting for event", "subscriber %d", i)
		}
	}
}

func TestBroker_ContextCancellation(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(time.Second):
		require.Fail(t, "subscription not closed")
	}
	assert.Eventually(t, func() bool { return broker.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

// TestBroker_PublishNeverBlocks 訂閱者不讀取時 Publish 仍立即返回
func TestBroker_PublishNeverBlocks(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	_ = broker.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			broker.Publish(NodeHeartbeat, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(99), broker.Dropped())
}

func TestBroker_NilIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Publish(NodeOnline, Payload{NodeID: "n1"})
	})
}

func TestBroker_SubscribeAfterClose(t *testing.T) {
	broker := NewBroker[int]()
	broker.Close()

	ch := broker.Subscribe(context.Background())
	_, ok := <-ch
	assert.False(t, ok)

	assert.NotPanics(t, func() { broker.Publish(NodeOnline, 1) })
}
