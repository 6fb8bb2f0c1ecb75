// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import (
	"crypto/sha1"
	"os"
)

// writeHeaderHash reads the freshly-written XEX back and computes the
// header hash over two segments: bytes [secInfoOffset+0x8+0x174, peOffset)
// first, then bytes [0, secInfoOffset+0x8). The digest is written at
// secInfoOffset+0x164, the headersHash field the writer left zeroed.
func (pe *PEImage) writeHeaderHash(xexFile *os.File, secInfoOffset, peOffset uint32) error {
	const op = "PEImage.writeHeaderHash"

	endOfImageInfo := secInfoOffset + 0x8 + 0x174

	segA := make([]byte, peOffset-endOfImageInfo)
	if _, err := xexFile.ReadAt(segA, int64(endOfImageInfo)); err != nil {
		return wrapErr(op, KindFileRead, err)
	}

	segB := make([]byte, secInfoOffset+0x8)
	if _, err := xexFile.ReadAt(segB, 0); err != nil {
		return wrapErr(op, KindFileRead, err)
	}

	h := sha1.New()
	h.Write(segA)
	h.Write(segB)
	digest := h.Sum(nil)

	if _, err := xexFile.WriteAt(digest, int64(secInfoOffset+0x164)); err != nil {
		return wrapErr(op, KindFileWrite, err)
	}

	return nil
}
