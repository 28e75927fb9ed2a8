// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

// HostBridge is the narrow interface the core uses to read
// configuration, publish progress, and deliver merged bytes to the
// consumer. Everything on the other side of it (the JNI/C++ bridge in
// the original system) is out of scope for this package; production
// code supplies its own implementation, tests use an in-memory one.
type HostBridge interface {
	// GetConf returns the configuration value for key, or def if the
	// key is not set.
	GetConf(key, def string) string

	// FetchOver reports that progress has been made (one or more MOFs
	// were inserted into a merge queue, or the final merge to the
	// consumer has finished; leaf spills do not report). Calls are non-decreasing in the sense that each call
	// corresponds to forward progress.
	FetchOver()

	// DataReady delivers the first n bytes of buf, merged and sorted,
	// to the reduce consumer. The buffer is only valid for the
	// duration of the call.
	DataReady(buf []byte, n int)

	// RegisterDirectBuffer registers buf with the host's RDMA layer
	// and returns an opaque handle. The core does not interpret the
	// handle.
	RegisterDirectBuffer(buf []byte) int
}

// FetchStatus is the outcome of a single StartFetchReq call.
type FetchStatus int

const (
	// FetchOK means the fetch client accepted the request and will
	// eventually report completion via
	// MergeManager.HandleFetchCompletion.
	FetchOK FetchStatus = iota
	// FetchBacklogged means the request was accepted but deferred;
	// this is benign and the request will still complete.
	FetchBacklogged
	// FetchFailed is a hard, fatal failure.
	FetchFailed
)

func (s FetchStatus) String() string {
	switch s {
	case FetchOK:
		return "ok"
	case FetchBacklogged:
		return "backlogged"
	case FetchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FetchClient performs the remote direct-memory read of one MOF
// shard. The core only ever calls StartFetchReq; completion is
// reported asynchronously by the client calling back into
// MergeManager.HandleFetchCompletion (see fetchphase.go), exactly as
// the fetch client does in the original system.
type FetchClient interface {
	StartFetchReq(req *FetchRequest, buf []byte) FetchStatus
}

// BufferPool hands out fixed-size, fetch-client-registered buffers.
// The real implementation is RDMA-registered memory supplied by the
// host process; out of scope here beyond this interface.
type BufferPool interface {
	// Acquire reserves one buffer descriptor. ok is false if the pool
	// is exhausted.
	Acquire() (id int, buf []byte, ok bool)
	// Release returns a previously acquired descriptor to the pool.
	Release(id int)
	// BufferSize is the fixed size, in bytes, of every buffer the
	// pool hands out.
	BufferSize() int
	// Free returns the number of currently unacquired descriptors.
	Free() int
}
