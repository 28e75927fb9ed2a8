// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import (
	"sync"
	"time"
)

// bufferStatus is one state of the four-state machine each of a
// MapOutput's two staging buffers moves through (spec.md §4.2).
type bufferStatus int

const (
	bufFree bufferStatus = iota
	bufBusy
	bufMergeReady
	bufFetchReady
)

func (s bufferStatus) String() string {
	switch s {
	case bufFree:
		return "free"
	case bufBusy:
		return "busy"
	case bufMergeReady:
		return "merge_ready"
	case bufFetchReady:
		return "fetch_ready"
	default:
		return "unknown"
	}
}

// mofBuffer is one of a MapOutput's pair of staging buffers.
type mofBuffer struct {
	status  bufferStatus
	descID  int    // BufferPool descriptor backing raw, -1 if none held
	raw     []byte // pool-owned bytes written by the fetch client
	n       int    // valid bytes in raw
	decoded []byte // bytes ready for a Segment to parse; == raw[:n] when uncompressed
}

// RemoteOrigin identifies the map task a MOF shard originated from.
type RemoteOrigin struct {
	Job, MapID, ReduceID, Host string
}

// MapOutput represents one remote shard being fetched (spec.md §3).
// Its exported methods are the only legal state transitions of the
// buffer-pair state machine in spec.md §4.2; all of them take the
// MapOutput's own lock, so callers never touch buf directly.
type MapOutput struct {
	mu   sync.Mutex
	cond *sync.Cond

	ID     int
	Origin RemoteOrigin
	// Target is the FetchTarget this MapOutput was created for, kept
	// around so a look-ahead re-fetch (pumpMOF) can reissue
	// StartFetchReq without a separate id-to-target lookup.
	Target FetchTarget

	MofOffset int64
	MofPath   string

	buf    [2]mofBuffer
	active int // index of the MERGE_READY buffer a Segment reads, -1 if none

	FetchedLenRDMA     int64
	TotalLenRDMA       int64
	TotalLenUncompress int64
	LastFetched        time.Time
	FetchCount         int

	everCompleted bool
	stopped       bool
}

// NewMapOutput constructs a MapOutput with both buffers FREE.
func NewMapOutput(id int, target FetchTarget) *MapOutput {
	mo := &MapOutput{
		ID:           id,
		Origin:       target.Origin,
		Target:       target,
		MofOffset:    target.MofOffset,
		MofPath:      target.MofPath,
		TotalLenRDMA: target.TotalLenRDMA,
		active:       -1,
	}
	mo.buf[0].descID, mo.buf[1].descID = -1, -1
	mo.cond = sync.NewCond(&mo.mu)
	return mo
}

// AllocateSlot marks a FREE buffer BUSY and returns the raw bytes the
// fetch client should fill, reusing the descriptor the slot still
// holds from ReleaseActive, or else reserving one from pool. ok is
// false if no buffer is FREE or the pool is exhausted.
func (mo *MapOutput) AllocateSlot(pool BufferPool) (idx int, raw []byte, ok bool) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	for i := range mo.buf {
		if mo.buf[i].status != bufFree {
			continue
		}
		if mo.buf[i].descID >= 0 {
			mo.buf[i].status = bufBusy
			return i, mo.buf[i].raw, true
		}
		id, b, acquired := pool.Acquire()
		if !acquired {
			return 0, nil, false
		}
		mo.buf[i].status = bufBusy
		mo.buf[i].descID = id
		mo.buf[i].raw = b
		return i, b, true
	}
	return 0, nil, false
}

// CompleteFetch records n bytes fetched into slot idx. When compressed
// is false and no buffer is currently active, the slot becomes
// MERGE_READY and active immediately; if another buffer is already
// active, it is decoded but held at FETCH_READY (not promoted) until
// ReleaseActive frees the active slot and promotePendingLocked can
// take its turn, preserving the buffer-pairing invariant that at most
// one buffer is ever MERGE_READY at a time (spec.md §8 invariant 4).
// When compressed is true the slot becomes FETCH_READY, awaiting
// TryDecodeIntoPeer. first reports whether this is the MapOutput's
// first ever completion, the only signal by which the fetching phase
// learns about a new MOF (spec.md §4.2).
func (mo *MapOutput) CompleteFetch(idx, n int, compressed bool) (first bool) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	b := &mo.buf[idx]
	b.n = n
	mo.FetchedLenRDMA += int64(n)
	mo.LastFetched = time.Now()
	mo.FetchCount++
	first = !mo.everCompleted
	mo.everCompleted = true
	if compressed {
		b.status = bufFetchReady
	} else {
		b.decoded = b.raw[:n]
		if mo.active == -1 {
			b.status = bufMergeReady
			mo.active = idx
		} else {
			b.status = bufFetchReady
		}
	}
	mo.cond.Broadcast()
	return first
}

// TryDecodeIntoPeer decodes a FETCH_READY slot's compressed bytes into
// the other, FREE slot via dec, following the buffer-pairing
// invariant: this slot becomes FREE (and returns its descriptor to
// pool), the peer becomes MERGE_READY. decoded is false, with a nil
// error, when there is nothing to do yet (no FETCH_READY slot, or its
// peer is still occupied) — that is the normal state between fetch
// completions, not a failure.
func (mo *MapOutput) TryDecodeIntoPeer(dec *Decompressor, pool BufferPool) (decoded bool, err error) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	src := -1
	for i := range mo.buf {
		if mo.buf[i].status == bufFetchReady {
			src = i
			break
		}
	}
	if src == -1 {
		return false, nil
	}
	peer := 1 - src
	if mo.buf[peer].status != bufFree {
		return false, nil
	}
	payload, _, err := dec.DecodeBlock(mo.buf[src].raw[:mo.buf[src].n])
	if err != nil {
		return false, err
	}
	mo.TotalLenUncompress += int64(len(payload))
	mo.buf[peer].decoded = payload
	mo.buf[peer].n = len(payload)
	mo.buf[peer].status = bufMergeReady

	if id := mo.buf[src].descID; id >= 0 {
		pool.Release(id)
	}
	mo.buf[src] = mofBuffer{descID: -1}
	mo.active = peer
	mo.cond.Broadcast()
	return true, nil
}

// WaitMergeReady blocks until the active buffer is MERGE_READY, the
// MapOutput is stopped, or it is naturally drained (every byte fetched
// and nothing left to decode), returning its decoded bytes. ok is
// false in the latter two cases.
func (mo *MapOutput) WaitMergeReady() (data []byte, ok bool) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	for {
		if mo.active != -1 && mo.buf[mo.active].status == bufMergeReady {
			return mo.buf[mo.active].decoded, true
		}
		if mo.stopped || mo.drainedLocked() {
			return nil, false
		}
		mo.cond.Wait()
	}
}

// drainedLocked reports whether this MapOutput has nothing left to
// offer a Segment: every byte has been fetched, no buffer is
// MERGE_READY, and none is still in flight (BUSY) or awaiting decode
// (FETCH_READY).
func (mo *MapOutput) drainedLocked() bool {
	if mo.active != -1 || !mo.FullyFetchedLocked() {
		return false
	}
	for i := range mo.buf {
		if mo.buf[i].status == bufBusy || mo.buf[i].status == bufFetchReady {
			return false
		}
	}
	return true
}

// ReleaseActive marks the active buffer FREE once a Segment has fully
// drained it, returning any pool descriptor it held. If the MapOutput
// is fully fetched the descriptor is released to pool; otherwise it
// stays reserved for the next refetch into the same slot.
func (mo *MapOutput) ReleaseActive(pool BufferPool) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	idx := mo.active
	if idx == -1 {
		return
	}
	b := &mo.buf[idx]
	if mo.FullyFetchedLocked() {
		if b.descID >= 0 {
			pool.Release(b.descID)
		}
		*b = mofBuffer{descID: -1}
	} else {
		*b = mofBuffer{descID: b.descID, raw: b.raw}
	}
	mo.active = -1
	mo.promotePendingLocked()
	mo.cond.Broadcast()
}

// promotePendingLocked promotes an already-decoded FETCH_READY buffer —
// an uncompressed completion that arrived while its peer was still
// active — to MERGE_READY now that no buffer is active. Compressed
// FETCH_READY buffers (still awaiting TryDecodeIntoPeer, decoded ==
// nil) are left alone; this only concerns the uncompressed
// double-buffering case, and together with CompleteFetch's own
// active-vs-pending branch it is what keeps at most one buffer
// MERGE_READY at a time (spec.md §8 invariant 4).
func (mo *MapOutput) promotePendingLocked() {
	for i := range mo.buf {
		if mo.buf[i].status == bufFetchReady && mo.buf[i].decoded != nil {
			mo.buf[i].status = bufMergeReady
			mo.active = i
			return
		}
	}
}

// FreeSlotIndex returns the index of a FREE buffer, if any, for the
// fetching phase to kick off the next (double-buffered) fetch into.
func (mo *MapOutput) FreeSlotIndex() (idx int, ok bool) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	for i := range mo.buf {
		if mo.buf[i].status == bufFree {
			return i, true
		}
	}
	return 0, false
}

// FullyFetched reports whether every byte of the MOF has arrived.
func (mo *MapOutput) FullyFetched() bool {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.FullyFetchedLocked()
}

// FullyFetchedLocked is FullyFetched for callers already holding mo's
// lock.
func (mo *MapOutput) FullyFetchedLocked() bool {
	return mo.FetchedLenRDMA >= mo.TotalLenRDMA
}

// FetchedLen returns the number of bytes fetched so far, safe for a
// FetchClient to call concurrently with completion reporting.
func (mo *MapOutput) FetchedLen() int64 {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.FetchedLenRDMA
}

// Stop wakes any goroutine blocked in WaitMergeReady so it can observe
// a cooperative shutdown request.
func (mo *MapOutput) Stop() {
	mo.mu.Lock()
	mo.stopped = true
	mo.cond.Broadcast()
	mo.mu.Unlock()
}
