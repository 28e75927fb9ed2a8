// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package internal holds small helpers shared by this module's test
// files, kept out of the public API surface.
package internal

import "math/rand"

// fixedRandSeed makes GenPredictableRandomData reproducible across runs.
const fixedRandSeed = 0x1234

// GenPredictableRandomData generates size bytes of pseudorandom data
// from a fixed seed, for record/fixture tests that need payloads
// larger than a literal but not actually random.
func GenPredictableRandomData(size int) []byte {
	gen := rand.New(rand.NewSource(fixedRandSeed))
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(gen.Intn(256))
	}
	return out
}
