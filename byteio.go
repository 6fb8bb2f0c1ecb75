// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import "encoding/binary"

// errOutsideBoundary is returned by every bounded read below when the
// requested offset falls outside the backing buffer.
var errOutsideBoundary = newErr("byteio", KindFileRead, "reading data outside boundary")

// peReader is a thin, bounds-checked view over the memory-mapped PE image.
// The PE file format is little-endian throughout; every higher layer reads
// PE data through this type so byte-order conversion happens in exactly
// one place.
type peReader struct {
	data []byte
}

func (r peReader) size() uint32 { return uint32(len(r.data)) }

// u16 reads a little-endian uint16 at offset.
func (r peReader) u16(offset uint32) (uint16, error) {
	if offset > r.size()-2 || offset+2 < offset {
		return 0, errOutsideBoundary
	}
	return binary.LittleEndian.Uint16(r.data[offset:]), nil
}

// u32 reads a little-endian uint32 at offset.
func (r peReader) u32(offset uint32) (uint32, error) {
	if offset > r.size()-4 || offset+4 < offset {
		return 0, errOutsideBoundary
	}
	return binary.LittleEndian.Uint32(r.data[offset:]), nil
}

// bytes returns a slice of size bytes starting at offset. The slice aliases
// the mapped file; callers must not retain it past the File's lifetime.
func (r peReader) bytes(offset, size uint32) ([]byte, error) {
	if offset > r.size() || size > r.size()-offset {
		return nil, errOutsideBoundary
	}
	return r.data[offset : offset+size], nil
}

// bewriter accumulates XEX structures in big-endian, on-disk order. Every
// higher layer builds its output through this type instead of relying on
// in-memory struct layout, which would bake in host byte order and padding.
type bewriter struct {
	buf []byte
}

func (w *bewriter) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *bewriter) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *bewriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *bewriter) raw(b []byte) { w.buf = append(w.buf, b...) }

// pad appends n zero bytes, used for fixed-width reserved/padding fields.
func (w *bewriter) pad(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// nextAligned rounds offset up to the next multiple of alignment.
func nextAligned(offset, alignment uint32) uint32 {
	if offset%alignment != 0 {
		return offset + (alignment - offset%alignment)
	}
	return offset
}
