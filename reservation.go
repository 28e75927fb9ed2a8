// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import "sync"

// ReservationQueue is the bounded producer/consumer queue backing
// hybrid-mode pipelining (spec.md §4.4), generalizing the teacher's
// workCh/doneCh channel pair in parallel.go into an explicit
// reserve/push/pop/dereserve contract: a slot is claimed before the
// producer has anything to put in it, and is only released once the
// consumer is done processing what it popped. That two-step handshake
// caps both in-flight production and in-progress consumption without
// coupling the two rates together.
type ReservationQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	capacity int

	reservedNotPushed int
	queue             []interface{}
	inFlight          int
	stopped           bool
}

// NewReservationQueue constructs a queue with room for capacity
// reserved slots.
func NewReservationQueue(capacity int) *ReservationQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &ReservationQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *ReservationQueue) reservedLocked() int {
	return q.reservedNotPushed + len(q.queue) + q.inFlight
}

// WaitAndReserve blocks until a slot is free, then claims it. Every
// successful WaitAndReserve must be matched by exactly one later
// PushReserved. ok is false only if Stop was called while waiting.
func (q *ReservationQueue) WaitAndReserve() (ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.reservedLocked() >= q.capacity && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return false
	}
	q.reservedNotPushed++
	return true
}

// PushReserved publishes item into a slot previously claimed by
// WaitAndReserve, waking any blocked consumer.
func (q *ReservationQueue) PushReserved(item interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reservedNotPushed--
	q.queue = append(q.queue, item)
	q.cond.Broadcast()
}

// WaitAndPopWithoutDereserve blocks until an item is available, then
// takes it without releasing its slot; the slot stays reserved while
// the consumer processes the item. Every successful call must be
// matched by exactly one later Dereserve. ok is false only if Stop has
// been called and no item is left in the queue.
func (q *ReservationQueue) WaitAndPopWithoutDereserve() (item interface{}, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.queue) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if len(q.queue) == 0 {
		return nil, false
	}
	item = q.queue[0]
	q.queue = q.queue[1:]
	q.inFlight++
	return item, true
}

// Stop wakes every goroutine blocked in WaitAndReserve or
// WaitAndPopWithoutDereserve so they can observe cooperative
// cancellation (spec.md §5 Cancellation).
func (q *ReservationQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Dereserve releases the slot held by a previously popped item, after
// the consumer has finished processing it, waking any blocked
// producer.
func (q *ReservationQueue) Dereserve() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	q.cond.Broadcast()
}

// Len reports the number of slots currently reserved, in any stage.
func (q *ReservationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reservedLocked()
}
