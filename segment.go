// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

// mergeCursor is what SegmentMergeQueue orders: something with a
// current key under the external comparator that can be advanced and
// eventually exhausts. Segment and SuperSegment both implement it, so
// a root queue can mix live MOF-backed Segments (online mode) with
// spill-backed SuperSegments (hybrid mode's root merge) uniformly.
type mergeCursor interface {
	Key() []byte
	Value() []byte
	Advance() error
	Exhausted() bool
	InsertSeq() int
	Release()
}

// Segment is a cursor over one MapOutput's logical key/value stream
// (spec.md §3). Its current key always reflects the smallest unread
// record of its MOF.
type Segment struct {
	mof    *MapOutput
	pool   BufferPool
	insSeq int

	// pump is called every time loadNext needs to wait for more data
	// to arrive, including the first: spec.md §9's design note requires
	// that the "request next buffer" side effect move out of
	// construction, since a constructor must not invoke polymorphic
	// behavior, and calling it on every refill (not just the first)
	// keeps the MapOutput's two buffers double-buffered for its whole
	// life, not just at start-up.
	pump func()

	data           []byte
	curKey, curVal []byte
	exhausted      bool
	// gotFirstChunk tracks whether loadNext has ever obtained a chunk
	// from mof, so the very first wait does not release a buffer it
	// has not read from yet.
	gotFirstChunk bool
}

// NewSegment constructs a cursor over mof. pump may be nil; when set
// it is invoked every time the Segment is about to block waiting for
// its backing MapOutput's next buffer, so the caller can keep issuing
// look-ahead fetches (spec.md §4.5 fetching phase step 2).
func NewSegment(mof *MapOutput, pool BufferPool, insSeq int, pump func()) *Segment {
	return &Segment{mof: mof, pool: pool, insSeq: insSeq, pump: pump}
}

// MOFID returns the id of the backing MapOutput (spec.md §3). The
// manager's at-most-once insertion check keys on the same id.
func (s *Segment) MOFID() int { return s.mof.ID }

// Key returns the current record's key. Valid only after Advance has
// been called and Exhausted is false.
func (s *Segment) Key() []byte { return s.curKey }

// Value returns the current record's value.
func (s *Segment) Value() []byte { return s.curVal }

// InsertSeq is this Segment's stable insertion-order id, used as the
// SegmentMergeQueue tie-break for equal keys.
func (s *Segment) InsertSeq() int { return s.insSeq }

// Exhausted reports whether the Segment has no more records.
func (s *Segment) Exhausted() bool { return s.exhausted }

// Advance loads the next record, blocking on the backing MapOutput's
// condition variable if its current buffer has drained but more data
// is still expected.
func (s *Segment) Advance() error {
	return s.loadNext()
}

func (s *Segment) loadNext() error {
	for len(s.data) == 0 {
		// Only release the active buffer once its data has actually
		// been handed to us and read; the very first wait must not
		// discard a buffer that was never consumed.
		if s.gotFirstChunk {
			s.mof.ReleaseActive(s.pool)
		}
		if s.pump != nil {
			s.pump()
		}
		chunk, ok := s.mof.WaitMergeReady()
		if !ok {
			s.exhausted = true
			s.curKey, s.curVal = nil, nil
			return nil
		}
		s.gotFirstChunk = true
		s.data = chunk
	}
	key, val, rest, err := decodeRecord(s.data)
	if err != nil {
		return err
	}
	s.curKey, s.curVal, s.data = key, val, rest
	return nil
}

// Release returns the Segment's last held buffer to the pool and
// stops its backing MapOutput; called by SegmentMergeQueue when the
// Segment is removed, exhausted or not.
func (s *Segment) Release() {
	s.mof.ReleaseActive(s.pool)
	s.mof.Stop()
}
