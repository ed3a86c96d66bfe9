package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_OpenIssuesIncreasingIDs(t *testing.T) {
	r := NewRegistry()
	a := r.Open()
	b := r.Open()

	assert.NotZero(t, a)
	assert.Greater(t, b, a)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_PollBeforeAnyPush(t *testing.T) {
	r := NewRegistry()
	id := r.Open()

	_, st := r.Poll(id)
	assert.Equal(t, StatusEmpty, st)
}

func TestRegistry_PollUnknown(t *testing.T) {
	r := NewRegistry()
	_, st := r.Poll(42)
	assert.Equal(t, StatusUnknown, st)

	_, st = r.Wait(42, time.Second)
	assert.Equal(t, StatusUnknown, st)
}

func TestRegistry_OrderAndDone(t *testing.T) {
	r := NewRegistry()
	id := r.Open()

	require.NoError(t, r.Push(id, Text("a")))
	require.NoError(t, r.Push(id, Text("b")))
	require.NoError(t, r.Push(id, Done()))

	c, st := r.Poll(id)
	require.Equal(t, StatusReady, st)
	assert.Equal(t, Text("a"), c)

	c, st = r.Wait(id, time.Second)
	require.Equal(t, StatusReady, st)
	assert.Equal(t, Text("b"), c)

	c, st = r.Poll(id)
	require.Equal(t, StatusReady, st)
	assert.Equal(t, KindDone, c.Kind)

	_, st = r.Poll(id)
	assert.Equal(t, StatusClosed, st)
	_, st = r.Wait(id, time.Second)
	assert.Equal(t, StatusClosed, st)
}

func TestRegistry_NothingAfterDone(t *testing.T) {
	r := NewRegistry()
	id := r.Open()

	require.NoError(t, r.Push(id, Done()))
	assert.ErrorIs(t, r.Push(id, Text("late")), ErrStreamFinished)
	assert.ErrorIs(t, r.Push(id, Done()), ErrStreamFinished)
}

func TestRegistry_WaitTimesOut(t *testing.T) {
	r := NewRegistry()
	id := r.Open()

	start := time.Now()
	_, st := r.Wait(id, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, StatusTimeout, st)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRegistry_WaitWakesOnPush(t *testing.T) {
	r := NewRegistry()
	id := r.Open()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Push(id, Text("hello"))
	}()

	c, st := r.Wait(id, 2*time.Second)
	require.Equal(t, StatusReady, st)
	assert.Equal(t, "hello", c.Data)
}

func TestRegistry_WaitWakesOnCleanup(t *testing.T) {
	r := NewRegistry()
	id := r.Open()

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Cleanup(id)
	}()

	_, st := r.Wait(id, 2*time.Second)
	assert.Equal(t, StatusClosed, st)
}

func TestRegistry_CleanupIdempotent(t *testing.T) {
	r := NewRegistry()
	id := r.Open()

	r.Cleanup(id)
	r.Cleanup(id)
	r.Cleanup(9999)

	assert.Equal(t, 0, r.Len())
	_, st := r.Poll(id)
	assert.Equal(t, StatusUnknown, st)
	assert.ErrorIs(t, r.Push(id, Text("late")), ErrUnknownStream)
}

func TestRegistry_ConcurrentProducers(t *testing.T) {
	r := NewRegistry()
	const streams = 16
	const perStream = 50

	ids := make([]ID, streams)
	for i := range ids {
		ids[i] = r.Open()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id ID) {
			defer wg.Done()
			for i := 0; i < perStream; i++ {
				_ = r.Push(id, Text("x"))
			}
			_ = r.Push(id, Done())
		}(id)
	}

	for _, id := range ids {
		texts := 0
		for {
			c, st := r.Wait(id, 2*time.Second)
			require.Equal(t, StatusReady, st)
			if c.Kind == KindDone {
				break
			}
			texts++
		}
		assert.Equal(t, perStream, texts)
	}
	wg.Wait()
}
