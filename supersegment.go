// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import "io"

// SuperSegment is a Segment backed by an on-disk spill file produced
// by a leaf merge (spec.md §3). Its cursor advances via block reads
// instead of MOF buffer waits, but otherwise honours the same
// mergeCursor contract as Segment.
type SuperSegment struct {
	rd     io.Reader
	closer io.Closer
	insSeq int

	data           []byte
	curKey, curVal []byte
	exhausted      bool
}

// NewSuperSegment wraps rd, a reader over a spill file framed with the
// same [8-byte header][payload] block layout as the inbound wire
// format (spec.md §4.5), with raw_len == compressed_len since spill
// payloads are never compressed.
func NewSuperSegment(rd io.ReadCloser, insSeq int) *SuperSegment {
	return &SuperSegment{rd: rd, closer: rd, insSeq: insSeq}
}

func (s *SuperSegment) Key() []byte     { return s.curKey }
func (s *SuperSegment) Value() []byte   { return s.curVal }
func (s *SuperSegment) InsertSeq() int  { return s.insSeq }
func (s *SuperSegment) Exhausted() bool { return s.exhausted }

// Advance loads the next record, reading another framed block from
// the spill file when the current one is exhausted.
func (s *SuperSegment) Advance() error {
	return s.loadNext()
}

func (s *SuperSegment) loadNext() error {
	for len(s.data) == 0 {
		header := make([]byte, blockHeaderSize)
		if _, err := io.ReadFull(s.rd, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				s.exhausted = true
				s.curKey, s.curVal = nil, nil
				return nil
			}
			return fatal(ErrSpillIO, "reading spill block header: %v", err)
		}
		rawLen, compLen, err := BlockHeader(header)
		if err != nil {
			return err
		}
		if rawLen != compLen {
			return fatal(ErrSpillIO, "spill block malformed: raw=%d compressed=%d", rawLen, compLen)
		}
		payload := make([]byte, rawLen)
		if _, err := io.ReadFull(s.rd, payload); err != nil {
			return fatal(ErrSpillIO, "reading spill block payload: %v", err)
		}
		s.data = payload
	}
	key, val, rest, err := decodeRecord(s.data)
	if err != nil {
		return err
	}
	s.curKey, s.curVal, s.data = key, val, rest
	return nil
}

// Release closes the underlying spill file.
func (s *SuperSegment) Release() {
	if s.closer != nil {
		s.closer.Close()
	}
}
