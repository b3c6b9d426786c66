package mainloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsPostedInOrder(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Invoke(ctx, func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopGoPostsContinuation(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	done := make(chan int, 1)
	l.Go(func() func() {
		v := 42
		return func() { done <- v }
	})

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestManualAdvanceFiresTimersInOrder(t *testing.T) {
	m := NewManual()
	var order []string
	m.AfterFunc(200*time.Millisecond, func() { order = append(order, "b") })
	m.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	stopped := m.AfterFunc(150*time.Millisecond, func() { order = append(order, "never") })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	m.Advance(99 * time.Millisecond)
	assert.Empty(t, order)

	m.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 0, m.PendingTimers())
}

func TestManualTimerScheduledFromTimer(t *testing.T) {
	m := NewManual()
	var fired int32
	m.AfterFunc(10*time.Millisecond, func() {
		m.AfterFunc(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	})
	m.Advance(25 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestManualDrainWaitsForWork(t *testing.T) {
	m := NewManual()
	var result int
	m.Go(func() func() {
		time.Sleep(5 * time.Millisecond)
		return func() {
			m.Go(func() func() {
				return func() { result = 2 }
			})
		}
	})
	m.Drain()
	assert.Equal(t, 2, result)
}

func TestManualWaitPosted(t *testing.T) {
	m := NewManual()
	release := make(chan struct{})
	m.Go(func() func() {
		<-release
		return func() {}
	})
	assert.False(t, m.WaitPosted(10*time.Millisecond))
	close(release)
	assert.True(t, m.WaitPosted(2*time.Second))
	assert.Equal(t, 1, m.RunPending())
}
