// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import (
	"strconv"
	"strings"
)

// OversizedPathSentinel is the mofpath value a fetch client deposits
// to report that a MOF's path exceeded its path-length limit
// (spec.md §4.6); receiving it is always fatal.
const OversizedPathSentinel = "MOF_PATH_SIZE_TOO_LONG"

// FetchTarget is what the consumer enqueues: a planned transfer of
// one MOF shard, before any buffer or MapOutput exists for it
// (spec.md §3).
type FetchTarget struct {
	Host         string
	Origin       RemoteOrigin
	MofPath      string
	MofOffset    int64
	TotalLenRDMA int64
}

// FetchRequest is a planned or in-flight transfer of one MOF shard
// (spec.md §3). Its MOF is allocated lazily, the first time the
// fetching phase has a free buffer to fetch into.
type FetchRequest struct {
	ID     int
	Target FetchTarget
	MOF    *MapOutput
	// SlotIdx is the MapOutput buffer index this request's bytes are
	// being fetched into.
	SlotIdx int
}

// ParseFetchEnvelope parses the ASCII header string a fetch client
// deposits in a MOF's reply buffer on completion:
// "rawlen:partlen:recv:mofoff:mofpath:" (spec.md §6). The path field
// terminates at the final colon, so it may itself contain colons.
func ParseFetchEnvelope(s string) (rawLen, partLen, recv, mofOffset int64, mofPath string, err error) {
	malformed := func() (int64, int64, int64, int64, string, error) {
		return 0, 0, 0, 0, "", fatal(ErrFetchFailed, "malformed fetch envelope %q", s)
	}
	var fields [4]string
	rest := s
	for i := 0; i < 4; i++ {
		idx := strings.IndexByte(rest, ':')
		if idx < 0 {
			return malformed()
		}
		fields[i] = rest[:idx]
		rest = rest[idx+1:]
	}
	last := strings.LastIndexByte(rest, ':')
	if last < 0 {
		return malformed()
	}
	mofPath = rest[:last]

	rawLen, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return malformed()
	}
	partLen, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return malformed()
	}
	recv, err = strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return malformed()
	}
	mofOffset, err = strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return malformed()
	}
	return rawLen, partLen, recv, mofOffset, mofPath, nil
}
