package bus

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusFanout(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	s1, err := b.Subscribe("t1")
	require.NoError(t, err)
	s2, err := b.Subscribe("t1")
	require.NoError(t, err)
	other, err := b.Subscribe("t2")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, b.Publish("t1", State("t1", "resolving", "")))

	for _, sub := range []*Subscription{s1, s2} {
		select {
		case ev := <-sub.C:
			require.Equal(t, KindState, ev.Type())
			require.Equal(t, "resolving", ev["status"])
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case ev := <-other.C:
		t.Fatalf("unrelated subscriber got event %v", ev)
	default:
	}

	s1.Close()
	s2.Close()
}

func TestMemoryBusSlowSubscriberDrops(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe("t1")
	require.NoError(t, err)
	defer sub.Close()

	// Overflow the buffer; publishes must never block.
	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, b.Publish("t1", FileProgress("t1", "f1", int64(i), 100)))
	}
	require.Len(t, sub.C, subscriberBuffer)
}

func TestMemoryBusCancelFlag(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	require.False(t, b.IsCancelled("t1"))
	require.NoError(t, b.RequestCancel("t1"))
	require.True(t, b.IsCancelled("t1"))
	require.False(t, b.IsCancelled("t2"))
	require.NoError(t, b.ClearCancel("t1"))
	require.False(t, b.IsCancelled("t1"))
}

func TestMemoryBusCloseUnblocksSubscribers(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe("t1")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	select {
	case _, ok := <-sub.C:
		require.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed on bus shutdown")
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	b, err := NewRedisBus("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	defer b.Close()

	sub, err := b.Subscribe("t1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish("t1", Hello("t1", "auto", "queued")))

	select {
	case ev := <-sub.C:
		require.Equal(t, KindHello, ev.Type())
		require.Equal(t, "t1", ev["taskId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event from redis subscription")
	}
}

func TestRedisBusCancelFlag(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	b, err := NewRedisBus("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	defer b.Close()

	require.False(t, b.IsCancelled("t1"))
	require.NoError(t, b.RequestCancel("t1"))
	require.True(t, b.IsCancelled("t1"))

	// The flag is an expiring key; a second worker sees it too.
	b2, err := NewRedisBus("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	defer b2.Close()
	require.True(t, b2.IsCancelled("t1"))

	require.NoError(t, b.ClearCancel("t1"))
	require.False(t, b2.IsCancelled("t1"))
}
