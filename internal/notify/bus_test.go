package notify_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/qarun/internal/notify"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus(t *testing.T) {
	t.Parallel()
	bus := notify.New[int]()
	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe(notify.WithBuffer(1))
	defer cancelA()
	require.Equal(t, 2, bus.Subscribers())

	for i := range 3 {
		bus.Publish(t.Context(), i)
	}
	require.Equal(t, 0, <-a)
	require.Equal(t, 1, <-a)
	require.Equal(t, 2, <-a)

	require.Equal(t, 0, <-b)
	require.Equal(t, uint64(2), bus.Dropped())

	cancelB()
	cancelB()
	_, ok := <-b
	require.False(t, ok)
	require.Equal(t, 1, bus.Subscribers())
}

func TestLossless(t *testing.T) {
	t.Parallel()
	bus := notify.New[string]()
	ch, cancel := bus.Subscribe(notify.WithBuffer(0), notify.Lossless())
	defer cancel()

	const n = 100
	go func() {
		for range n {
			bus.Publish(t.Context(), "x")
		}
		bus.Close()
	}()

	var got int
	for range ch {
		got++
	}
	require.Equal(t, n, got)
	require.Zero(t, bus.Dropped())
}

func TestLosslessCancel(t *testing.T) {
	t.Parallel()
	bus := notify.New[int]()
	_, cancel := bus.Subscribe(notify.WithBuffer(0), notify.Lossless())

	published := make(chan struct{})
	go func() {
		bus.Publish(t.Context(), 1)
		close(published)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after unsubscribe")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	bus := notify.New[int]()
	ch, cancel := bus.Subscribe()
	bus.Close()
	_, ok := <-ch
	require.False(t, ok)
	cancel()

	bus.Publish(t.Context(), 1)
	late, _ := bus.Subscribe()
	_, ok = <-late
	require.False(t, ok)
}
