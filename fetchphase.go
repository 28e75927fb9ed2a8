// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import (
	"context"

	"github.com/go-kit/log/level"
)

// fetchingPhase drives one leaf (or the single root, in online mode)
// to completion: pop targets off the shuffled working vector while
// the buffer pool has room, drain completed MOFs into queue, and wait
// on the manager condition when neither is possible (spec.md §4.5
// Fetching phase).
func (m *MergeManager) fetchingPhase(ctx context.Context, queue *SegmentMergeQueue, working []FetchTarget, target int) error {
	inserted := 0
	next := 0
	for inserted < target {
		if m.stoppedOrCancelled(ctx) {
			return nil
		}
		progressed := false

		for next < len(working) {
			if m.pool.Free() <= 0 {
				break
			}
			t := working[next]
			next++
			mo := NewMapOutput(m.nextMOFID(), t)
			idx, buf, ok := mo.AllocateSlot(m.pool)
			if !ok {
				return fatal(ErrResource, "leaf target %d: no free buffer for fetch target", target)
			}
			req := &FetchRequest{ID: m.nextFetchReqID(), Target: t, MOF: mo, SlotIdx: idx}
			status := m.client.StartFetchReq(req, buf)
			switch status {
			case FetchOK, FetchBacklogged:
				m.registerMOF(mo)
				progressed = true
			case FetchFailed:
				return fatal(ErrFetchFailed, "fetch request %d to %s failed", req.ID, t.Host)
			}
		}
		drained := m.drainFetched()
		for _, mo := range drained {
			mo := mo
			if m.mopsInQueueHas(mo.ID) {
				continue
			}
			m.markInQueue(mo.ID)
			seg := NewSegment(mo, m.pool, m.nextSeq(), func() { m.pumpMOF(mo) })
			if err := queue.Insert(seg); err != nil {
				return err
			}
			inserted++
			progressed = true
			if inserted%ProgressReportLimit == 0 || inserted == target {
				m.bridge.FetchOver()
			}
			if inserted >= target {
				break
			}
		}

		if !progressed && inserted < target {
			m.mu.Lock()
			if !m.stoppedLocked() && len(m.fetchedMOFs) == 0 {
				m.cond.Wait()
			}
			m.mu.Unlock()
		}
	}
	level.Debug(m.logger).Log("msg", "fetching phase complete", "target", target, "inserted", inserted)
	return nil
}

// stoppedOrCancelled reports whether the manager was stopped or ctx
// was cancelled, the two cooperative-shutdown signals a wait loop
// must recheck on every wakeup (spec.md §5 Cancellation).
func (m *MergeManager) stoppedOrCancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stoppedLocked()
}

// registerMOF adds mo to the manager's MOF registry, so a FetchClient
// that only tracks request-to-MOF mappings out of band (rather than
// holding on to the *FetchRequest itself) can still resolve a
// completion via LookupMOF.
func (m *MergeManager) registerMOF(mo *MapOutput) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mofsByID == nil {
		m.mofsByID = make(map[int]*MapOutput)
	}
	m.mofsByID[mo.ID] = mo
}

// LookupMOF returns the MapOutput registered under id, if any.
func (m *MergeManager) LookupMOF(id int) (*MapOutput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.mofsByID[id]
	return mo, ok
}

// drainFetched returns, and clears, every MapOutput whose first
// completion has been observed since the last drain (spec.md §4.5
// Fetching phase step 2).
func (m *MergeManager) drainFetched() []*MapOutput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.fetchedMOFs
	m.fetchedMOFs = nil
	return out
}

func (m *MergeManager) mopsInQueueHas(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mopsInQueue[id]
}

func (m *MergeManager) markInQueue(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mopsInQueue[id] = true
}

// HandleFetchCompletion is the fetch client's asynchronous completion
// callback (spec.md §4.6): it parses envelope, updates req.MOF under
// its own lock, and wakes the manager so the fetching phase can drain
// it. A mofpath of OversizedPathSentinel is always fatal.
func (m *MergeManager) HandleFetchCompletion(req *FetchRequest, envelope string, n int) error {
	rawLen, _, _, _, mofPath, err := ParseFetchEnvelope(envelope)
	if err != nil {
		return err
	}
	if mofPath == OversizedPathSentinel {
		return fatal(ErrOversizedPath, "mof %d: path too long", req.MOF.ID)
	}
	compressed := m.cfg.compressionOn
	first := req.MOF.CompleteFetch(req.SlotIdx, n, compressed)
	_ = rawLen
	if compressed {
		if _, err := req.MOF.TryDecodeIntoPeer(m.dec, m.pool); err != nil {
			return err
		}
	}
	if first {
		m.mu.Lock()
		m.fetchedMOFs = append(m.fetchedMOFs, req.MOF)
		m.cond.Broadcast()
		m.mu.Unlock()
	}
	if !req.MOF.FullyFetched() {
		m.pumpMOF(req.MOF)
	}
	return nil
}

// pumpMOF is called whenever a Segment frees up one of mo's two
// buffers (spec.md §4.5 Fetching phase step 2, and the Segment.pump
// generalization in segment.go). The freed buffer may be the decode
// target a pending FETCH_READY peer has been waiting on, so that is
// tried first; only once that makes no progress does pumpMOF treat the
// freed buffer as a slot for a new look-ahead raw fetch.
func (m *MergeManager) pumpMOF(mo *MapOutput) {
	if m.cfg.compressionOn {
		if decoded, err := mo.TryDecodeIntoPeer(m.dec, m.pool); err != nil {
			level.Error(m.logger).Log("msg", "decode failed", "mof", mo.ID, "err", err)
			return
		} else if decoded {
			return
		}
	}
	if mo.FullyFetched() {
		return
	}
	idx, raw, ok := mo.AllocateSlot(m.pool)
	if !ok {
		return
	}
	req := &FetchRequest{ID: m.nextFetchReqID(), Target: mo.Target, MOF: mo, SlotIdx: idx}
	m.client.StartFetchReq(req, raw)
}
