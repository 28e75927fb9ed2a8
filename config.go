// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import (
	"strconv"

	kitlog "github.com/go-kit/log"
)

// Mode selects which merge strategy MergeManager runs.
type Mode int

const (
	// ModeOnline runs a single root queue over every MOF and streams
	// the merged result directly to the consumer.
	ModeOnline Mode = iota
	// ModeHybrid runs the two-level leaf/root external merge,
	// degrading to ModeOnline when there are fewer maps than leaves.
	ModeHybrid
	// ModeOnDisk is ModeHybrid without the degrade-to-online
	// shortcut: every run spills leaves to disk regardless of size.
	ModeOnDisk
)

func (m Mode) String() string {
	switch m {
	case ModeOnline:
		return "online"
	case ModeHybrid:
		return "hybrid"
	case ModeOnDisk:
		return "on_disk"
	default:
		return "unknown"
	}
}

const (
	// ConfKeyCodec is the configuration key naming the decompressor
	// codec (spec.md §6).
	ConfKeyCodec = "io.compression.codec.lzo.decompressor"
	// ConfKeyParallelLPQs is the configuration key bounding hybrid
	// pipelining (spec.md §6).
	ConfKeyParallelLPQs = "mapred.rdma.num.parallel.lpqs"

	// MinParallelLPQs is the floor num_parallel_lpqs is clamped to.
	MinParallelLPQs = 1

	// ProgressReportLimit is the insert count between progress
	// reports during the fetching phase (spec.md §4.5).
	ProgressReportLimit = 20
)

// config holds everything MergeManager needs beyond its required
// constructor arguments. It is built from a HostBridge's GetConf
// values and then overridden by any Option passed to NewMergeManager,
// mirroring the teacher's functional-options layering in parallel.go,
// scanner.go and reader.go.
type config struct {
	codec           string
	numParallelLPQs int
	compressionOn   bool
	numStageMem     int
	localDirs       []string
	spillPrefix     string
	reduceTaskID    int
	logger          kitlog.Logger
}

func defaultConfig(bridge HostBridge) config {
	codec := bridge.GetConf(ConfKeyCodec, DefaultCodec)
	parallel, err := strconv.Atoi(bridge.GetConf(ConfKeyParallelLPQs, "1"))
	if err != nil || parallel < MinParallelLPQs {
		parallel = MinParallelLPQs
	}
	return config{
		codec:           codec,
		numParallelLPQs: parallel,
		numStageMem:     1,
		spillPrefix:     "shufflemerge",
		logger:          kitlog.NewNopLogger(),
	}
}

// Option configures a MergeManager at construction time, overriding
// whatever a HostBridge's GetConf reports.
type Option func(*config)

// WithCodec overrides the decompressor codec name.
func WithCodec(name string) Option {
	return func(c *config) { c.codec = name }
}

// WithParallelLPQs overrides the number of leaves a hybrid run
// pipelines concurrently. Values below MinParallelLPQs are clamped.
func WithParallelLPQs(n int) Option {
	return func(c *config) {
		if n < MinParallelLPQs {
			n = MinParallelLPQs
		}
		c.numParallelLPQs = n
	}
}

// WithCompression turns on inbound decompression; the registered
// codec is invoked once per inbound block when set.
func WithCompression(on bool) Option {
	return func(c *config) { c.compressionOn = on }
}

// WithLocalDirs sets the candidate local directories hybrid-mode
// spill files rotate across (spec.md §6).
func WithLocalDirs(dirs ...string) Option {
	return func(c *config) { c.localDirs = dirs }
}

// WithSpillPrefix overrides the spill filename prefix.
func WithSpillPrefix(prefix string) Option {
	return func(c *config) { c.spillPrefix = prefix }
}

// WithReduceTaskID sets the reduce_task_id embedded in spill file
// names.
func WithReduceTaskID(id int) Option {
	return func(c *config) { c.reduceTaskID = id }
}

// WithLogger overrides the structured logger; defaults to a no-op
// logger so tests stay silent.
func WithLogger(l kitlog.Logger) Option {
	return func(c *config) { c.logger = l }
}
