// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cosnicolaou/shufflemerge"
	"github.com/cosnicolaou/shufflemerge/internal/testmof"
)

// collectKeys parses a sequence of concatenated, record-framed bytes
// into its ordered key list, for asserting on a Bridge's delivered
// output.
func collectKeys(t *testing.T, buf []byte) []string {
	t.Helper()
	var keys []string
	for len(buf) > 0 {
		klen := int(uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]))
		buf = buf[4:]
		key := buf[:klen]
		buf = buf[klen:]
		vlen := int(uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]))
		buf = buf[4:]
		buf = buf[vlen:]
		keys = append(keys, string(key))
	}
	return keys
}

func isSorted(keys []string) bool {
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			return false
		}
	}
	return true
}

func runMerge(t *testing.T, mode shufflemerge.Mode, numLPQs int, store *testmof.Store, targets []shufflemerge.FetchTarget, opts ...shufflemerge.Option) *testmof.Bridge {
	t.Helper()
	client := testmof.NewFetchClient(store)
	bridge := testmof.NewBridge(nil)
	pool := testmof.NewPool(len(targets)*2+8, 1<<16)

	manager, err := shufflemerge.NewMergeManager(mode, bridge, client, pool, shufflemerge.ByteOrder, numLPQs, opts...)
	if err != nil {
		t.Fatalf("NewMergeManager: %v", err)
	}
	client.Attach(manager)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Run(ctx, targets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return bridge
}

// TestSingleMOFOnline is scenario S1: one MOF, ModeOnline.
func TestSingleMOFOnline(t *testing.T) {
	store := testmof.NewStore()
	target := store.AddMOF("/mof-0", "host-a", 0,
		testmof.Record{Key: []byte("a"), Value: []byte("1")},
		testmof.Record{Key: []byte("b"), Value: []byte("2")},
		testmof.Record{Key: []byte("c"), Value: []byte("3")},
	)
	bridge := runMerge(t, shufflemerge.ModeOnline, 1, store, []shufflemerge.FetchTarget{target})

	keys := collectKeys(t, bridge.Delivered())
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, keys[i], want[i])
		}
	}
}

// TestThreeMOFsOnline is scenario S2: three MOFs with interleaved
// keys, ModeOnline, verifying the total order invariant holds across
// shard boundaries.
func TestThreeMOFsOnline(t *testing.T) {
	store := testmof.NewStore()
	t0 := store.AddMOF("/mof-0", "host-a", 0,
		testmof.Record{Key: []byte("b"), Value: []byte("v")},
		testmof.Record{Key: []byte("e"), Value: []byte("v")},
	)
	t1 := store.AddMOF("/mof-1", "host-b", 1,
		testmof.Record{Key: []byte("a"), Value: []byte("v")},
		testmof.Record{Key: []byte("d"), Value: []byte("v")},
	)
	t2 := store.AddMOF("/mof-2", "host-c", 2,
		testmof.Record{Key: []byte("c"), Value: []byte("v")},
		testmof.Record{Key: []byte("f"), Value: []byte("v")},
	)
	bridge := runMerge(t, shufflemerge.ModeOnline, 1, store, []shufflemerge.FetchTarget{t0, t1, t2})

	keys := collectKeys(t, bridge.Delivered())
	if !isSorted(keys) {
		t.Fatalf("output not sorted: %v", keys)
	}
	want := []string{"a", "b", "c", "d", "e", "f"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, keys[i], want[i])
		}
	}
}

// TestHybridFourMOFsTwoLeaves is scenario S3: four MOFs, ModeHybrid
// with two leaves, exercising the two-level external merge end to
// end.
func TestHybridFourMOFsTwoLeaves(t *testing.T) {
	store := testmof.NewStore()
	var targets []shufflemerge.FetchTarget
	allKeys := [][]string{
		{"d", "h"},
		{"a", "g"},
		{"b", "e"},
		{"c", "f"},
	}
	for i, keys := range allKeys {
		var recs []testmof.Record
		for _, k := range keys {
			recs = append(recs, testmof.Record{Key: []byte(k), Value: []byte("v")})
		}
		path := fmt.Sprintf("/mof-%d", i)
		targets = append(targets, store.AddMOF(path, "host", i, recs...))
	}
	bridge := runMerge(t, shufflemerge.ModeHybrid, 2, store, targets, shufflemerge.WithParallelLPQs(2))

	keys := collectKeys(t, bridge.Delivered())
	if !isSorted(keys) {
		t.Fatalf("output not sorted: %v", keys)
	}
	if len(keys) != 8 {
		t.Fatalf("got %d keys, want 8", len(keys))
	}
}

// TestCodecOverride is scenario S4: WithCodec selects a non-default
// codec family; compression stays off, so the decode path is not run.
func TestCodecOverride(t *testing.T) {
	store := testmof.NewStore()
	target := store.AddMOF("/mof-0", "host-a", 0,
		testmof.Record{Key: []byte("k1"), Value: []byte("v1")},
		testmof.Record{Key: []byte("k2"), Value: []byte("v2")},
	)
	// The fixture store writes plain record-framed bytes, not actually
	// compressed blocks; exercising WithCodec here confirms
	// construction accepts a non-default registered name and the
	// uncompressed merge still runs with it selected, while
	// TestDecompressorFamilies (decompressor_test.go) exercises the
	// real per-family decode path.
	bridge := runMerge(t, shufflemerge.ModeOnline, 1, store, []shufflemerge.FetchTarget{target},
		shufflemerge.WithCodec("LZO1Z_SAFE"))
	keys := collectKeys(t, bridge.Delivered())
	if len(keys) != 2 {
		t.Fatalf("got %v, want 2 keys", keys)
	}
}

// TestOversizedPath is scenario S5: a fetch target whose MOF path
// triggers the MOF_PATH_SIZE_TOO_LONG sentinel must fail the whole
// run fatally.
func TestOversizedPath(t *testing.T) {
	store := testmof.NewStore()
	target := testmof.OversizedPathTarget("host-a")

	client := testmof.NewFetchClient(store)
	bridge := testmof.NewBridge(nil)
	pool := testmof.NewPool(4, 1<<16)
	manager, err := shufflemerge.NewMergeManager(shufflemerge.ModeOnline, bridge, client, pool, shufflemerge.ByteOrder, 1)
	if err != nil {
		t.Fatalf("NewMergeManager: %v", err)
	}
	client.Attach(manager)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = manager.Run(ctx, []shufflemerge.FetchTarget{target})
	if err == nil {
		t.Fatal("expected an error for an oversized MOF path")
	}
	if !errors.Is(err, shufflemerge.ErrOversizedPath) {
		t.Errorf("got %v, want a wrapped ErrOversizedPath", err)
	}
}

// TestBackpressure is scenario S6: a buffer pool too small to hold
// every target's fetch at once forces the fetching phase to wait and
// reuse freed slots, rather than deadlocking. ModeOnline structurally
// needs one buffer per target (its root queue is only fully built, and
// so only starts releasing buffers, once every target has been
// inserted), so relief across a smaller pool only happens in
// ModeHybrid, where buffers are released across leaf boundaries as
// each leaf's merge drains into its spill file.
func TestBackpressure(t *testing.T) {
	store := testmof.NewStore()
	var targets []shufflemerge.FetchTarget
	for i := 0; i < 6; i++ {
		path := fmt.Sprintf("/mof-%d", i)
		targets = append(targets, store.AddMOF(path, "host", i,
			testmof.Record{Key: []byte{byte('a' + i)}, Value: []byte("v")}))
	}

	client := testmof.NewFetchClient(store)
	bridge := testmof.NewBridge(nil)
	// 6 targets split across 3 leaves of 2 each; with 1 parallel LPQ the
	// hybrid NumKVBufs formula (maxMofsInLPQs(6,3)*1 == 3) needs only 3
	// buffers, fewer than the 6 total targets.
	pool := testmof.NewPool(3, 1<<16)
	manager, err := shufflemerge.NewMergeManager(shufflemerge.ModeHybrid, bridge, client, pool, shufflemerge.ByteOrder, 3,
		shufflemerge.WithParallelLPQs(1))
	if err != nil {
		t.Fatalf("NewMergeManager: %v", err)
	}
	client.Attach(manager)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Run(ctx, targets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	keys := collectKeys(t, bridge.Delivered())
	if !isSorted(keys) {
		t.Fatalf("output not sorted: %v", keys)
	}
	if len(keys) != 6 {
		t.Fatalf("got %d keys, want 6", len(keys))
	}
}

func TestBridgeDeliveredIsRoundTrippable(t *testing.T) {
	store := testmof.NewStore()
	target := store.AddMOF("/mof-0", "host-a", 0,
		testmof.Record{Key: []byte("x"), Value: []byte("y")})
	bridge := runMerge(t, shufflemerge.ModeOnline, 1, store, []shufflemerge.FetchTarget{target})
	want := shufflemerge.EncodeRecord([]byte("x"), []byte("y"))
	if !bytes.Equal(bridge.Delivered(), want) {
		t.Errorf("got %q, want %q", bridge.Delivered(), want)
	}
}
