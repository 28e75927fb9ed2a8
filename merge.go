// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import (
	"context"
	"math/rand"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

// MergeManager drives a single reduce task's shuffle merge (spec.md
// §1, §4.5): fetching MOF shards from a FetchClient, staging them
// into MapOutput buffer pairs, and merging the result into totally
// ordered output delivered to a HostBridge.
type MergeManager struct {
	mode     Mode
	bridge   HostBridge
	client   FetchClient
	pool     BufferPool
	dec      *Decompressor
	cmp      KeyCompare
	reduceID int
	numLPQs  int
	cfg      config
	logger   kitlog.Logger

	mu sync.Mutex
	// mopsInQueue deduplicates MOF insertion across leaf queues
	// (spec.md §4.5 step 2, §8 invariant 3).
	mopsInQueue map[int]bool
	// fetchedMOFs holds MOFs whose first completion has been observed
	// but not yet drained into a Segment.
	fetchedMOFs []*MapOutput
	// mofsByID registers every MapOutput the fetching phase has
	// started, so HandleFetchCompletion can be driven by request id
	// alone in a test double.
	mofsByID map[int]*MapOutput
	cond     *sync.Cond
	stopped  bool

	nextMOFIDVal      int
	nextFetchReqIDVal int
	nextSeqVal        int

	rotator *spillDirRotator
}

// NewMergeManager constructs a MergeManager (the number of MOFs is
// taken from the targets passed to Run), reading its tunables from bridge.GetConf and then applying opts
// (spec.md §4.5, §4.8). mode selects the merge strategy; numLPQs is
// only consulted in ModeHybrid and ModeOnDisk.
func NewMergeManager(mode Mode, bridge HostBridge, client FetchClient, pool BufferPool, cmp KeyCompare, numLPQs int, opts ...Option) (*MergeManager, error) {
	cfg := defaultConfig(bridge)
	for _, o := range opts {
		o(&cfg)
	}
	dec, err := NewDecompressor(cfg.codec)
	if err != nil {
		return nil, err
	}
	if numLPQs < 1 {
		numLPQs = 1
	}
	m := &MergeManager{
		mode:        mode,
		bridge:      bridge,
		client:      client,
		pool:        pool,
		dec:         dec,
		cmp:         cmp,
		reduceID:    cfg.reduceTaskID,
		numLPQs:     numLPQs,
		cfg:         cfg,
		logger:      cfg.logger,
		mopsInQueue: make(map[int]bool),
		rotator:     newSpillDirRotator(cfg.localDirs),
	}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

func (m *MergeManager) nextMOFID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextMOFIDVal
	m.nextMOFIDVal++
	return id
}

func (m *MergeManager) nextFetchReqID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextFetchReqIDVal
	m.nextFetchReqIDVal++
	return id
}

func (m *MergeManager) nextSeq() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.nextSeqVal
	m.nextSeqVal++
	return seq
}

// leafSizes returns the number of MOFs each of numLPQs leaves should
// receive, per spec.md §4.5's derived-parameter formulas: the first
// numRegularLPQs leaves get numMofsInLPQ inputs, the rest get one
// extra.
func leafSizes(numMaps, numLPQs int) []int {
	numMofsInLPQ := numMaps / numLPQs
	numRegularLPQs := numLPQs - (numMaps % numLPQs)
	sizes := make([]int, numLPQs)
	for i := range sizes {
		if i < numRegularLPQs {
			sizes[i] = numMofsInLPQ
		} else {
			sizes[i] = numMofsInLPQ + 1
		}
	}
	return sizes
}

// maxMofsInLPQs is the per-leaf staging-buffer-pool upper bound used
// to size the key-value buffer count in hybrid mode (spec.md §4.5).
func maxMofsInLPQs(numMaps, numLPQs int) int {
	return numMaps/numLPQs + 1
}

// NumKVBufs is the exact staging-buffer allocation a caller should
// size its BufferPool to before starting Run: max_mofs_in_lpqs ×
// num_parallel_lpqs for hybrid/on-disk mode, num_maps for online
// (spec.md §4.5, Open Question 1 resolved in SPEC_FULL.md §9 to an
// exact count rather than an upper bound).
func (m *MergeManager) NumKVBufs(numMaps int) int {
	if m.mode == ModeOnline {
		return numMaps
	}
	numLPQs := m.numLPQs
	if m.mode == ModeOnDisk && numLPQs > numMaps {
		numLPQs = numMaps
	}
	if numMaps < numLPQs {
		return numMaps
	}
	return maxMofsInLPQs(numMaps, numLPQs) * m.cfg.numParallelLPQs
}

// shuffledTargets returns a copy of targets in random order, spreading
// fetch load across source hosts (spec.md §4.5 fetching phase intro).
func shuffledTargets(targets []FetchTarget) []FetchTarget {
	out := make([]FetchTarget, len(targets))
	copy(out, targets)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Run executes the configured merge strategy over targets, delivering
// totally ordered output to m.bridge.DataReady until exhausted or ctx
// is cancelled (spec.md §4.5, §4.7).
func (m *MergeManager) Run(ctx context.Context, targets []FetchTarget) error {
	numMaps := len(targets)
	mode := m.mode
	if mode == ModeHybrid && numMaps < m.numLPQs {
		level.Debug(m.logger).Log("msg", "degrading hybrid to online", "num_maps", numMaps, "num_lpqs", m.numLPQs)
		mode = ModeOnline
	}
	numLPQs := m.numLPQs
	if mode == ModeOnDisk && numLPQs > numMaps {
		numLPQs = numMaps
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-stop:
		}
	}()
	defer close(stop)

	switch mode {
	case ModeOnline:
		return m.runOnline(ctx, targets)
	default:
		return m.runHybrid(ctx, targets, numLPQs)
	}
}

// Stop requests cooperative shutdown: every condition-variable wait
// loop in the manager and its MapOutputs rechecks a stop flag on
// wakeup (spec.md §5 Cancellation).
func (m *MergeManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *MergeManager) stoppedLocked() bool { return m.stopped }

// runOnline builds a single root queue over every target and runs the
// fetching and merging phases once each (spec.md §4.5 Strategy
// selection).
func (m *MergeManager) runOnline(ctx context.Context, targets []FetchTarget) error {
	queue := NewSegmentMergeQueue(m.cmp, m.cfg.numStageMem, func(c mergeCursor) { c.Release() })
	if err := m.fetchingPhase(ctx, queue, shuffledTargets(targets), len(targets)); err != nil {
		return err
	}
	return m.mergingPhase(ctx, queue, m.bridge)
}

// runHybrid runs the two-level leaf/root merge: a fetcher goroutine
// builds and hands off leaves through pendingMerge while a merger
// goroutine spills each to disk, then builds and streams a root queue
// of SuperSegments (spec.md §4.5 Strategy selection). The two
// goroutines are orchestrated with errgroup so the first fatal error
// cancels the other, generalizing the teacher's single dc.Cancel(err)
// plumbing in reader.go to two cooperating stages.
func (m *MergeManager) runHybrid(ctx context.Context, targets []FetchTarget, numLPQs int) error {
	sizes := leafSizes(len(targets), numLPQs)
	pendingMerge := NewReservationQueue(m.cfg.numParallelLPQs)

	shuffled := shuffledTargets(targets)
	leafTargets := make([][]FetchTarget, numLPQs)
	off := 0
	for i, n := range sizes {
		leafTargets[i] = shuffled[off : off+n]
		off += n
	}

	spillPaths := make([]string, numLPQs)

	// errs aggregates both goroutines' fatal errors (spec.md §5
	// Cancellation): errgroup.Wait below only ever returns whichever
	// error it observed first, but the fetcher and merger can each hit
	// their own fatal condition before the other notices gctx was
	// cancelled, and the second cause would otherwise be silently
	// dropped.
	var errs errCollector
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer pendingMerge.Stop()
		for i := 0; i < numLPQs; i++ {
			if !pendingMerge.WaitAndReserve() {
				return nil
			}
			queue := NewSegmentMergeQueue(m.cmp, m.cfg.numStageMem, func(c mergeCursor) { c.Release() })
			if err := m.fetchingPhase(gctx, queue, leafTargets[i], sizes[i]); err != nil {
				errs.Append(err)
				pendingMerge.Stop()
				return err
			}
			pendingMerge.PushReserved(leafHandoff{index: i, queue: queue})
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < numLPQs; i++ {
			item, ok := pendingMerge.WaitAndPopWithoutDereserve()
			if !ok {
				return nil
			}
			handoff := item.(leafHandoff)
			dir := m.rotator.next()
			path := spillPath(dir, m.cfg.spillPrefix, m.reduceID, handoff.index)
			spillPaths[handoff.index] = path
			err := m.spillLeaf(handoff.queue, path)
			pendingMerge.Dereserve()
			if err != nil {
				errs.Append(err)
				pendingMerge.Stop()
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if aggregated := errs.Err(); aggregated != nil {
			return aggregated
		}
		return err
	}

	root := NewSegmentMergeQueue(m.cmp, m.cfg.numStageMem, func(c mergeCursor) { c.Release() })
	for _, path := range spillPaths {
		f, err := openSpillReader(path)
		if err != nil {
			return err
		}
		super := NewSuperSegment(f, m.nextSeq())
		if err := root.Insert(super); err != nil {
			return err
		}
	}
	return m.mergingPhase(ctx, root, m.bridge)
}

// leafHandoff is what the fetcher goroutine pushes through
// pendingMerge: a fully populated leaf queue ready to be spilled.
type leafHandoff struct {
	index int
	queue *SegmentMergeQueue
}

// spillLeaf runs the merging phase over queue, writing its output to
// a spill file instead of the host bridge (spec.md §4.5 Merging
// phase, "when spilling to a file").
func (m *MergeManager) spillLeaf(queue *SegmentMergeQueue, path string) error {
	w, err := createSpillWriter(path)
	if err != nil {
		return err
	}
	defer w.Close()
	for queue.Size() > 0 {
		top, ok := queue.Top()
		if !ok {
			break
		}
		rec := EncodeRecord(top.Key(), top.Value())
		if err := w.WriteBlock(rec); err != nil {
			return err
		}
		if err := queue.AdvanceTop(); err != nil {
			return err
		}
	}
	return nil
}
