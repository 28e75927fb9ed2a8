// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSuperSegmentReadsSpillFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaf.spill")

	w, err := createSpillWriter(path)
	if err != nil {
		t.Fatalf("createSpillWriter: %v", err)
	}
	records := [][2]string{{"a", "1"}, {"b", "22"}, {"c", ""}}
	for _, r := range records {
		if err := w.WriteBlock(EncodeRecord([]byte(r[0]), []byte(r[1]))); err != nil {
			t.Fatalf("WriteBlock: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := openSpillReader(path)
	if err != nil {
		t.Fatalf("openSpillReader: %v", err)
	}
	super := NewSuperSegment(f, 0)

	var got [][2]string
	for {
		if err := super.Advance(); err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if super.Exhausted() {
			break
		}
		got = append(got, [2]string{string(super.Key()), string(super.Value())})
	}
	super.Release()

	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if got[i] != records[i] {
			t.Errorf("record %d: got %v, want %v", i, got[i], records[i])
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("spill file should still exist after Release: %v", err)
	}
}

func TestSuperSegmentEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.spill")
	w, err := createSpillWriter(path)
	if err != nil {
		t.Fatalf("createSpillWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f, err := openSpillReader(path)
	if err != nil {
		t.Fatalf("openSpillReader: %v", err)
	}
	super := NewSuperSegment(f, 0)
	if err := super.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !super.Exhausted() {
		t.Fatal("expected an empty spill file to be immediately exhausted")
	}
	super.Release()
}
