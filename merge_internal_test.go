// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import "testing"

func TestLeafSizes(t *testing.T) {
	for i, tc := range []struct {
		numMaps, numLPQs int
		want             []int
	}{
		{10, 4, []int{2, 2, 3, 3}},
		{9, 3, []int{3, 3, 3}},
		{5, 1, []int{5}},
		{4, 4, []int{1, 1, 1, 1}},
		{7, 4, []int{1, 2, 2, 2}},
	} {
		got := leafSizes(tc.numMaps, tc.numLPQs)
		if len(got) != len(tc.want) {
			t.Fatalf("%v: got %v, want %v", i, got, tc.want)
		}
		sum := 0
		for j := range got {
			if got[j] != tc.want[j] {
				t.Errorf("%v: leaf %d: got %d, want %d", i, j, got[j], tc.want[j])
			}
			sum += got[j]
		}
		if sum != tc.numMaps {
			t.Errorf("%v: leaf sizes sum to %d, want %d (conservation)", i, sum, tc.numMaps)
		}
	}
}

func TestMaxMofsInLPQs(t *testing.T) {
	if got, want := maxMofsInLPQs(10, 4), 3; got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if got, want := maxMofsInLPQs(9, 3), 4; got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestNumKVBufs(t *testing.T) {
	b := &fakeBridgeConf{conf: map[string]string{}}
	pool := newFakePool(1, 1)

	online, err := NewMergeManager(ModeOnline, b, nil, pool, ByteOrder, 1)
	if err != nil {
		t.Fatalf("NewMergeManager(online): %v", err)
	}
	if got, want := online.NumKVBufs(10), 10; got != want {
		t.Errorf("online: got %d, want %d", got, want)
	}

	hybrid, err := NewMergeManager(ModeHybrid, b, nil, pool, ByteOrder, 4, WithParallelLPQs(2))
	if err != nil {
		t.Fatalf("NewMergeManager(hybrid): %v", err)
	}
	// maxMofsInLPQs(10, 4) == 3, times num_parallel_lpqs == 2 => 6.
	if got, want := hybrid.NumKVBufs(10), 6; got != want {
		t.Errorf("hybrid: got %d, want %d", got, want)
	}
}

func TestShuffledTargetsPreservesSet(t *testing.T) {
	targets := []FetchTarget{
		{MofPath: "/a"}, {MofPath: "/b"}, {MofPath: "/c"}, {MofPath: "/d"},
	}
	shuffled := shuffledTargets(targets)
	if len(shuffled) != len(targets) {
		t.Fatalf("got %d targets, want %d", len(shuffled), len(targets))
	}
	seen := map[string]bool{}
	for _, s := range shuffled {
		seen[s.MofPath] = true
	}
	for _, want := range targets {
		if !seen[want.MofPath] {
			t.Errorf("shuffledTargets dropped %q", want.MofPath)
		}
	}
}
