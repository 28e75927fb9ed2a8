// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package shufflemerge

import "encoding/binary"

// decodeRecord parses one length-prefixed key/value record
// ([4-byte BE keylen][key][4-byte BE vallen][value]) from the front of
// buf, returning the remaining bytes. This is the on-buffer record
// framing MapOutput staging buffers and spill files share, so a
// SuperSegment can reuse the same decoder a Segment uses.
func decodeRecord(buf []byte) (key, val, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, nil, fatal(ErrDecode, "truncated record: missing key length")
	}
	klen := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(klen) {
		return nil, nil, nil, fatal(ErrDecode, "truncated record: key shorter than advertised")
	}
	key, buf = buf[:klen], buf[klen:]

	if len(buf) < 4 {
		return nil, nil, nil, fatal(ErrDecode, "truncated record: missing value length")
	}
	vlen := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(vlen) {
		return nil, nil, nil, fatal(ErrDecode, "truncated record: value shorter than advertised")
	}
	val, rest = buf[:vlen], buf[vlen:]
	return key, val, rest, nil
}

// EncodeRecord is the inverse of decodeRecord, used by the spill
// writer and by tests to build fixture MOF content.
func EncodeRecord(key, val []byte) []byte {
	out := make([]byte, 0, 8+len(key)+len(val))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(key)))
	out = append(out, tmp[:]...)
	out = append(out, key...)
	binary.BigEndian.PutUint32(tmp[:], uint32(len(val)))
	out = append(out, tmp[:]...)
	out = append(out, val...)
	return out
}
