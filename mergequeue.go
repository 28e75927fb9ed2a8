// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import "container/heap"

// SegmentMergeQueue orders a set of mergeCursors (Segments or
// SuperSegments) by current key under an externally supplied total
// order (spec.md §4.3), grounded on the teacher's container/heap-based
// blockHeap in parallel.go and on the k-way merge heap pattern in
// entreya-csvquery's sorter.go. Equal keys break ties by ascending
// insertion order, so the merge is stable.
//
// A SegmentMergeQueue is only ever driven by one goroutine at a time:
// the fetching phase populates it, then hands it to the merging phase.
// It carries no internal locking.
type SegmentMergeQueue struct {
	items []mergeCursor
	cmp   KeyCompare

	// SpillFilename names the on-disk file this queue's merging phase
	// spills to, when run in hybrid mode. Empty for a root/online
	// queue that streams straight to the consumer.
	SpillFilename string
	// NumStageMem is the fixed number of staging buffers used as the
	// merging phase's output sink.
	NumStageMem int

	release func(mergeCursor)
}

// NewSegmentMergeQueue constructs an empty queue ordered by cmp.
// release is invoked for every Segment that exhausts, whether in
// AdvanceTop or already on Insert, and is expected to return
// that segment's resources (MapOutput buffers, or an open spill file)
// to their owning pool.
func NewSegmentMergeQueue(cmp KeyCompare, numStageMem int, release func(mergeCursor)) *SegmentMergeQueue {
	return &SegmentMergeQueue{cmp: cmp, NumStageMem: numStageMem, release: release}
}

// heap.Interface implementation.
func (q *SegmentMergeQueue) Len() int { return len(q.items) }
func (q *SegmentMergeQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if c := q.cmp(a.Key(), b.Key()); c != 0 {
		return c < 0
	}
	return a.InsertSeq() < b.InsertSeq()
}
func (q *SegmentMergeQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *SegmentMergeQueue) Push(x interface{}) {
	q.items = append(q.items, x.(mergeCursor))
}
func (q *SegmentMergeQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return it
}

// Insert advances seg to its first record and, unless it is already
// exhausted, adds it to the queue. A Segment that turns out to be
// exhausted on its very first record (an empty MOF) is released
// immediately rather than occupying a queue slot.
func (q *SegmentMergeQueue) Insert(seg mergeCursor) error {
	if err := seg.Advance(); err != nil {
		return err
	}
	if seg.Exhausted() {
		if q.release != nil {
			q.release(seg)
		}
		return nil
	}
	heap.Push(q, seg)
	return nil
}

// Top returns the Segment whose current key is minimal, without
// removing it. ok is false if the queue is empty.
func (q *SegmentMergeQueue) Top() (mergeCursor, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// AdvanceTop advances the top Segment's cursor, then repositions it
// (or removes and releases it, if it is now exhausted).
func (q *SegmentMergeQueue) AdvanceTop() error {
	if len(q.items) == 0 {
		return nil
	}
	top := q.items[0]
	if err := top.Advance(); err != nil {
		return err
	}
	if top.Exhausted() {
		heap.Pop(q)
		if q.release != nil {
			q.release(top)
		}
		return nil
	}
	heap.Fix(q, 0)
	return nil
}

// Size returns the number of live Segments currently in the queue.
func (q *SegmentMergeQueue) Size() int { return len(q.items) }
