package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/event-capture/eventcapture/log"
)

func recv(t *testing.T, s *Subscription) Message {
	t.Helper()

	select {
	case msg, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(log.NewNullLogger())
	sub := b.Subscribe(ctx, KindNavigationCommitted)

	// Publishing many messages before anyone reads must neither block nor
	// drop anything.
	const n = 1000
	for i := 0; i < n; i++ {
		b.Publish(NavigationCommitted{Timestamp: int64(i)})
	}
	for i := 0; i < n; i++ {
		msg := recv(t, sub)
		nc, ok := msg.(NavigationCommitted)
		require.True(t, ok)
		require.EqualValues(t, i, nc.Timestamp)
	}
}

func TestBusFiltersKinds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(log.NewNullLogger())
	only := b.Subscribe(ctx, KindFlushAck)
	all := b.Subscribe(ctx)

	b.Publish(StopRecorder{TaskID: "t"})
	b.Publish(FlushAck{TaskID: "t", Recorders: 2})

	assert.Equal(t, FlushAck{TaskID: "t", Recorders: 2}, recv(t, only))
	assert.Equal(t, StopRecorder{TaskID: "t"}, recv(t, all))
	assert.Equal(t, FlushAck{TaskID: "t", Recorders: 2}, recv(t, all))
}

func TestBusSubscriptionClose(t *testing.T) {
	t.Parallel()

	b := New(log.NewNullLogger())
	sub := b.Subscribe(context.Background())
	sub.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.subs) == 0
	}, time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() { b.Publish(ScreenStopped{}) })
}
