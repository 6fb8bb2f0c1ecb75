// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import (
	"io"
	"os"
)

const writerChunkSize = 4096

// write emits the XEX header, optional-header-entry array, security-info
// header (descriptors included), every optional header's body, and the
// basefile, all big-endian, at the offsets layout assigned. headersHash is
// written as 20 zero bytes; the header-hash pass patches it once the rest
// of the file exists to read back.
func (pe *PEImage) write(xexFile *os.File, basefile *os.File, sec *SecurityInfoHeader, layout *xexLayout, moduleFlags uint32, basefileFormatBody, importLibrariesBody, tlsInfoBody []byte) error {
	const op = "PEImage.write"

	hdr := &bewriter{}
	hdr.raw([]byte("XEX2"))
	hdr.u32(moduleFlags)
	hdr.u32(layout.PEOffset)
	hdr.u32(0) // reserved
	hdr.u32(layout.SecInfoOffset)
	hdr.u32(uint32(len(layout.Entries)))
	if _, err := xexFile.WriteAt(hdr.buf, 0); err != nil {
		return wrapErr(op, KindFileWrite, err)
	}

	entries := &bewriter{}
	for _, e := range layout.Entries {
		entries.u32(e.ID)
		entries.u32(e.DataOrOffset)
	}
	if _, err := xexFile.WriteAt(entries.buf, 24); err != nil {
		return wrapErr(op, KindFileWrite, err)
	}

	si := &bewriter{}
	si.u32(sec.HeaderSize)
	si.u32(sec.PeSize)
	si.raw(sec.Signature[:])
	si.u32(sec.ImageInfoSize)
	si.u32(sec.ImageFlags)
	si.u32(sec.BaseAddr)
	si.raw(sec.ImageSHA1[:])
	si.u32(sec.ImportTableCount)
	si.raw(sec.ImportTableSHA1[:])
	si.raw(sec.MediaID[:])
	si.raw(sec.AESKey[:])
	si.u32(sec.ExportTableAddr)
	si.pad(20) // headersHash placeholder, patched by the header-hash pass
	si.u32(sec.GameRegion)
	si.u32(sec.MediaTypes)
	si.u32(sec.PageDescCount)
	if uint32(len(si.buf)) != secInfoFixedSize {
		return newErr(op, KindUnknownDataRequest, "security-info header serialised to an unexpected size")
	}
	if _, err := xexFile.WriteAt(si.buf, int64(layout.SecInfoOffset)); err != nil {
		return wrapErr(op, KindFileWrite, err)
	}

	descriptors := &bewriter{}
	for _, d := range sec.Descriptors {
		descriptors.u32(d.SizeAndInfo)
		descriptors.raw(d.SHA1[:])
	}
	if _, err := xexFile.WriteAt(descriptors.buf, int64(layout.SecInfoOffset+secInfoFixedSize)); err != nil {
		return wrapErr(op, KindFileWrite, err)
	}

	if _, err := xexFile.WriteAt(basefileFormatBody, int64(layout.BasefileFormatOffset)); err != nil {
		return wrapErr(op, KindFileWrite, err)
	}
	if len(importLibrariesBody) > 0 {
		if _, err := xexFile.WriteAt(importLibrariesBody, int64(layout.ImportLibsOffset)); err != nil {
			return wrapErr(op, KindFileWrite, err)
		}
	}
	if _, err := xexFile.WriteAt(tlsInfoBody, int64(layout.TLSInfoOffset)); err != nil {
		return wrapErr(op, KindFileWrite, err)
	}

	if err := streamBasefile(basefile, xexFile, int64(layout.PEOffset)); err != nil {
		return wrapErr(op, KindFileWrite, err)
	}

	return nil
}

// streamBasefile copies basefile's full contents to dst at dstOffset in
// fixed-size chunks, bounding peak memory regardless of image size.
func streamBasefile(basefile *os.File, dst *os.File, dstOffset int64) error {
	if _, err := basefile.Seek(0, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, writerChunkSize)
	var written int64
	for {
		n, err := basefile.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], dstOffset+written); werr != nil {
				return werr
			}
			written += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
