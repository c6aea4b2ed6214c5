package events

import (
	"context"
	"log"
	"sync"
	"time"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/types"
)

// Event is a single notification for the backup controller.
// Events are immutable once queued and are delivered at most once.
type Event struct {
	Time    time.Time
	Code    types.EventCode
	Payload []byte
}

// NewQueue returns a new, empty event queue.
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

// Queue is a FIFO of events with blocking-with-timeout consumer
// semantics. Producers never block.
type Queue struct {
	mux    sync.Mutex
	events []Event
	closed bool

	notify chan struct{}
	quit   chan struct{}
}

// Push appends a timestamped event to the queue and wakes one waiter.
func (q *Queue) Push(code types.EventCode, payload []byte) {
	q.mux.Lock()
	if q.closed {
		q.mux.Unlock()
		return
	}
	q.events = append(q.events, Event{
		Time:    time.Now(),
		Code:    code,
		Payload: payload,
	})
	q.mux.Unlock()

	log.Printf("generated event: code=%d payload_size=%d", code, len(payload))

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest queued event, if any.
func (q *Queue) pop() (Event, bool) {
	q.mux.Lock()
	defer q.mux.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	event := q.events[0]
	q.events = q.events[1:]
	if len(q.events) > 0 {
		// Pushes coalesce into one wakeup token, so hand it back
		// while events remain or another waiter may sit out its
		// timeout next to a non empty queue.
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return event, true
}

// Wait blocks until an event is available, the timeout elapses or the
// context is cancelled. On timeout it returns ErrEmptyQueue; on
// cancellation or queue shutdown it returns ErrInterrupted.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) (Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if event, ok := q.pop(); ok {
			return event, nil
		}

		select {
		case <-q.notify:
			// Another waiter may have taken the event; loop and
			// check the queue again.
		case <-timer.C:
			return Event{}, vErrors.ErrEmptyQueue
		case <-ctx.Done():
			return Event{}, vErrors.ErrInterrupted
		case <-q.quit:
			return Event{}, vErrors.ErrInterrupted
		}
	}
}

// Close drops all queued events and releases outstanding waiters.
func (q *Queue) Close() {
	q.mux.Lock()
	if q.closed {
		q.mux.Unlock()
		return
	}
	q.closed = true
	q.events = nil
	q.mux.Unlock()

	close(q.quit)
}
