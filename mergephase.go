// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import "context"

// defaultStageBufferSize is used when the BufferPool does not report
// a usable size, e.g. in tests that stub BufferSize to 0.
const defaultStageBufferSize = 64 * 1024

// mergingPhase repeatedly takes queue's minimal-key Segment, emits its
// record, and advances it until queue is empty, filling a staging
// buffer and calling bridge.DataReady whenever it reaches capacity
// (spec.md §4.5 Merging phase, "when streaming to the consumer"). The
// buffer is sized NumStageMem pool buffers wide, per queue.NumStageMem
// (spec.md §4.5 construction parameters).
func (m *MergeManager) mergingPhase(ctx context.Context, queue *SegmentMergeQueue, bridge HostBridge) error {
	size := m.pool.BufferSize() * queue.NumStageMem
	if size <= 0 {
		size = defaultStageBufferSize
	}
	buf := make([]byte, 0, size)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		bridge.DataReady(buf, len(buf))
		buf = buf[:0]
	}
	for queue.Size() > 0 {
		if m.stoppedOrCancelled(ctx) {
			return nil
		}
		top, ok := queue.Top()
		if !ok {
			break
		}
		rec := EncodeRecord(top.Key(), top.Value())
		if len(buf)+len(rec) > cap(buf) {
			flush()
		}
		buf = append(buf, rec...)
		if err := queue.AdvanceTop(); err != nil {
			return err
		}
	}
	flush()
	bridge.FetchOver()
	return nil
}
