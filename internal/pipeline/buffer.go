package pipeline

import (
	"sync"

	"beacon/internal/models"
)

// eventBuffer is the ordered queue of accepted-but-undispatched events.
// The mutex guards both the queue and the inFlight flag; inFlight alone is
// not enough to keep append and drain from racing.
type eventBuffer struct {
	mu       sync.Mutex
	idle     *sync.Cond
	queue    []models.Event
	inFlight bool
}

func newEventBuffer(capacityHint int) *eventBuffer {
	b := &eventBuffer{
		queue: make([]models.Event, 0, capacityHint),
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// append adds an event to the tail and returns the new queue length so the
// caller can check flush thresholds without a second lock acquisition.
func (b *eventBuffer) append(event models.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = append(b.queue, event)
	return len(b.queue)
}

func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// drainForFlush atomically swaps the queue for an empty one and marks a
// flush in flight. It returns ok=false when the buffer is empty or another
// flush already holds the critical section, so a concurrent timer and a
// manual flush can never double-drain.
func (b *eventBuffer) drainForFlush() ([]models.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight || len(b.queue) == 0 {
		return nil, false
	}

	drained := b.queue
	b.queue = make([]models.Event, 0, cap(drained))
	b.inFlight = true
	return drained, true
}

// finishFlush releases the flush critical section and wakes anyone waiting
// for the buffer to go idle.
func (b *eventBuffer) finishFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight = false
	b.idle.Broadcast()
}

// requeueFront puts a drained batch back at the head of the queue,
// preserving order ahead of anything appended while the flush ran. Used
// when dispatch fails unexpectedly so events are never silently dropped.
func (b *eventBuffer) requeueFront(events []models.Event) {
	if len(events) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	requeued := make([]models.Event, 0, len(events)+len(b.queue))
	requeued = append(requeued, events...)
	requeued = append(requeued, b.queue...)
	b.queue = requeued
}

// waitIdle blocks until no flush is in flight.
func (b *eventBuffer) waitIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.inFlight {
		b.idle.Wait()
	}
}
