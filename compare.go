// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import "bytes"

// KeyCompare is the external total order the core merges under. It
// must return <0, 0, or >0 exactly like bytes.Compare; the core never
// defines or inspects the ordering itself (spec.md §1 Non-goals).
type KeyCompare func(a, b []byte) int

// ByteOrder is the natural lexicographic KeyCompare over raw key
// bytes; it is a convenience default for tests and the CLI harness,
// not a statement about what the real key-comparison function should
// be.
func ByteOrder(a, b []byte) int { return bytes.Compare(a, b) }
