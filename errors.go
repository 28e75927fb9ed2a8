// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import (
	"errors"
	"fmt"

	cloudengerrors "cloudeng.io/errors"
)

// Sentinel error kinds per the core's error handling design: every
// fatal condition the merge engine can hit wraps exactly one of
// these, so callers can classify a failure with errors.Is without
// parsing message text.
var (
	// ErrConfig reports a configuration error: an unknown codec name
	// or a malformed integer configuration value. Fatal at startup.
	ErrConfig = errors.New("configuration error")

	// ErrResource reports resource exhaustion: not enough free RDMA
	// buffers to start a leaf priority queue.
	ErrResource = errors.New("resource exhaustion")

	// ErrOversizedPath reports a MOF path that exceeded the fetch
	// client's path-length limit (the MOF_PATH_SIZE_TOO_LONG sentinel).
	ErrOversizedPath = errors.New("oversized MOF path")

	// ErrFetchFailed reports a hard failure reported by the fetch
	// client for a given request.
	ErrFetchFailed = errors.New("fetch client failure")

	// ErrDecode reports a non-OK status, a length mismatch, or a
	// truncated/malformed block from the decompressor.
	ErrDecode = errors.New("decode error")

	// ErrSpillIO reports a failure writing or reading a leaf spill
	// file.
	ErrSpillIO = errors.New("spill I/O error")
)

// fatal builds a new error from format and args, wrapping kind with %w
// so errors.Is(result, kind) holds. It never returns nil.
func fatal(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{kind}, args...)...)
}

// errCollector aggregates concurrent fatal errors from the fetcher,
// merger, and any per-leaf goroutines into a single reported error
// without losing individual causes, generalizing the teacher's single
// errCh (reader.go) to MergeManager's multi-goroutine hybrid mode.
type errCollector struct {
	m cloudengerrors.M
}

func (c *errCollector) Append(err error) {
	c.m.Append(err)
}

// Err returns the aggregated error, or nil if nothing was appended.
func (c *errCollector) Err() error {
	return c.m.Err()
}
