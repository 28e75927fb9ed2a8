// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import "testing"

// fakeCursor is a mergeCursor over an in-memory sequence of records,
// used to exercise SegmentMergeQueue's ordering without a MapOutput.
type fakeCursor struct {
	recs      [][2]string
	i         int
	insSeq    int
	released  *bool
}

func newFakeCursor(insSeq int, recs ...[2]string) *fakeCursor {
	return &fakeCursor{recs: recs, i: -1, insSeq: insSeq}
}

func (c *fakeCursor) Key() []byte   { return []byte(c.recs[c.i][0]) }
func (c *fakeCursor) Value() []byte { return []byte(c.recs[c.i][1]) }
func (c *fakeCursor) InsertSeq() int { return c.insSeq }
func (c *fakeCursor) Exhausted() bool { return c.i >= len(c.recs) }
func (c *fakeCursor) Advance() error {
	c.i++
	return nil
}
func (c *fakeCursor) Release() {
	if c.released != nil {
		*c.released = true
	}
}

// TestSegmentMergeQueueTotalOrder checks that draining several
// interleaved cursors through Top/AdvanceTop yields a totally ordered,
// stable merge (spec.md §8 invariant 1).
func TestSegmentMergeQueueTotalOrder(t *testing.T) {
	q := NewSegmentMergeQueue(ByteOrder, 1, nil)
	a := newFakeCursor(0, [2]string{"b", "a1"}, [2]string{"d", "a2"})
	b := newFakeCursor(1, [2]string{"a", "b1"}, [2]string{"c", "b2"}, [2]string{"e", "b3"})
	c := newFakeCursor(2, [2]string{"b", "c1"})

	for _, cur := range []*fakeCursor{a, b, c} {
		if err := q.Insert(cur); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	var keys, vals []string
	for q.Size() > 0 {
		top, ok := q.Top()
		if !ok {
			break
		}
		keys = append(keys, string(top.Key()))
		vals = append(vals, string(top.Value()))
		if err := q.AdvanceTop(); err != nil {
			t.Fatalf("AdvanceTop: %v", err)
		}
	}

	want := []string{"a", "b", "b", "c", "d", "e"}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys %v, want %d %v", len(keys), keys, len(want), want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, keys[i], want[i])
		}
	}
	// The two "b" keys must come out in ascending insertion-sequence
	// order: a's "b" (insSeq 0) before c's "b" (insSeq 2).
	if keys[1] != "b" || keys[2] != "b" || vals[1] != "a1" || vals[2] != "c1" {
		t.Fatalf("expected positions 1 and 2 to be a's then c's %q, got keys %v values %v", "b", keys[1:3], vals[1:3])
	}
}

func TestSegmentMergeQueueReleasesOnExhaustion(t *testing.T) {
	released := false
	q := NewSegmentMergeQueue(ByteOrder, 1, func(c mergeCursor) { c.Release() })
	cur := newFakeCursor(0, [2]string{"a", "1"})
	cur.released = &released
	if err := q.Insert(cur); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := q.AdvanceTop(); err != nil {
		t.Fatalf("AdvanceTop: %v", err)
	}
	if q.Size() != 0 {
		t.Errorf("Size() = %d, want 0 after its only record was consumed", q.Size())
	}
	if !released {
		t.Error("expected release to be called once the cursor was exhausted")
	}
}

func TestSegmentMergeQueueEmptyCursorReleasedImmediately(t *testing.T) {
	released := false
	q := NewSegmentMergeQueue(ByteOrder, 1, func(c mergeCursor) { c.Release() })
	cur := newFakeCursor(0)
	cur.released = &released
	if err := q.Insert(cur); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if q.Size() != 0 {
		t.Errorf("Size() = %d, want 0: an empty cursor must never occupy a queue slot", q.Size())
	}
	if !released {
		t.Error("expected an empty cursor to be released immediately on Insert")
	}
}
