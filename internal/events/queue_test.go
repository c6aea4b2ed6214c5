package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/types"
)

func TestPushWaitFIFOOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	count := 10
	for i := 0; i < count; i++ {
		q.Push(types.EventCodeLowSpace, []byte(fmt.Sprintf("event-%d", i)))
	}

	for i := 0; i < count; i++ {
		event, err := q.Wait(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, types.EventCodeLowSpace, event.Code)
		assert.Equal(t, fmt.Sprintf("event-%d", i), string(event.Payload))
		assert.False(t, event.Time.IsZero())
	}

	_, err := q.Wait(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, vErrors.ErrEmptyQueue)
}

func TestWaitTimesOutOnEmptyQueue(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	start := time.Now()
	_, err := q.Wait(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, vErrors.ErrEmptyQueue)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitInterruptedByContext(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, vErrors.ErrInterrupted)
}

func TestWaitInterruptedByClose(t *testing.T) {
	q := NewQueue()

	done := make(chan error, 1)
	go func() {
		_, err := q.Wait(context.Background(), time.Minute)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, vErrors.ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Close")
	}
}

func TestWaitWakesBeforeTimeout(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(types.EventCodeCorrupted, []byte("boom"))
	}()

	event, err := q.Wait(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.EventCodeCorrupted, event.Code)
}

func TestConcurrentConsumersAtMostOnceDelivery(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	count := 50
	for i := 0; i < count; i++ {
		q.Push(types.EventCodeLowSpace, []byte(fmt.Sprintf("%d", i)))
	}

	var mux sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				event, err := q.Wait(context.Background(), 50*time.Millisecond)
				if err != nil {
					return
				}
				mux.Lock()
				seen[string(event.Payload)]++
				mux.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, count)
	for payload, deliveries := range seen {
		assert.Equal(t, 1, deliveries, "event %s delivered more than once", payload)
	}
}

func TestPopHandsBackWakeupTokenWhileEventsRemain(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	// A push burst coalesces into one wakeup token.
	q.Push(types.EventCodeLowSpace, []byte("first"))
	q.Push(types.EventCodeLowSpace, []byte("second"))
	<-q.notify

	event, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("first"), event.Payload)

	// The token must survive the pop, or a parked waiter sits out
	// its timeout next to a queued event.
	select {
	case <-q.notify:
	default:
		t.Fatal("wakeup token dropped with an event still queued")
	}

	event, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("second"), event.Payload)
	select {
	case <-q.notify:
		t.Fatal("wakeup token queued for an empty queue")
	default:
	}
}
