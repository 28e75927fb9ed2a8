// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
)

// spillDirRotator cycles through a configured set of local
// directories for leaf spill files. Per spec.md §9's design note, the
// original's process-wide static round-robin counter is replaced by a
// per-instance counter seeded to a random starting index, since each
// reducer now runs in its own process rather than sharing one.
type spillDirRotator struct {
	mu   sync.Mutex
	dirs []string
	idx  int
}

func newSpillDirRotator(dirs []string) *spillDirRotator {
	r := &spillDirRotator{dirs: dirs}
	if len(dirs) > 0 {
		r.idx = rand.Intn(len(dirs))
	}
	return r
}

func (r *spillDirRotator) next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.dirs) == 0 {
		return "."
	}
	d := r.dirs[r.idx%len(r.dirs)]
	r.idx++
	return d
}

// spillPath names a leaf's spill file <local_dir>/<prefix>.<reduce_task_id>.lpq-<NNN>
// (spec.md §6), NNN being the zero-padded leaf index.
func spillPath(dir, prefix string, reduceTaskID, lpqIndex int) string {
	name := fmt.Sprintf("%s.%d.lpq-%03d", prefix, reduceTaskID, lpqIndex)
	return filepath.Join(dir, name)
}

// spillWriter writes a leaf's merged output as a sequence of framed
// blocks, reusing the inbound [8-byte header][payload] layout with
// raw_len == compressed_len, so a SuperSegment can read it back with
// the same block-framing code a Segment uses (spec.md §4.5).
type spillWriter struct {
	f    *os.File
	path string
}

func createSpillWriter(path string) (*spillWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fatal(ErrSpillIO, "creating spill file %s: %v", path, err)
	}
	return &spillWriter{f: f, path: path}, nil
}

// WriteBlock appends one framed block containing payload.
func (w *spillWriter) WriteBlock(payload []byte) error {
	header := EncodeBlockHeader(uint32(len(payload)), uint32(len(payload)))
	if _, err := w.f.Write(header); err != nil {
		return fatal(ErrSpillIO, "writing spill block header to %s: %v", w.path, err)
	}
	if _, err := w.f.Write(payload); err != nil {
		return fatal(ErrSpillIO, "writing spill block payload to %s: %v", w.path, err)
	}
	return nil
}

func (w *spillWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return fatal(ErrSpillIO, "closing spill file %s: %v", w.path, err)
	}
	return nil
}

// openSpillReader opens path for SuperSegment to read back.
func openSpillReader(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fatal(ErrSpillIO, "opening spill file %s: %v", path, err)
	}
	return f, nil
}
