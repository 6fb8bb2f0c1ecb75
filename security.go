// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import (
	"crypto/sha1"
	"encoding/binary"
	"os"
)

// Image flags, security-info header.
const (
	xexImgFlag4KiBPages  = 0x10000000
	xexImgFlagRegionFree = 0x20000000
)

const (
	xexRegFlagRegionFree = 0xFFFFFFFF
	xexMediaTypesAll     = 0xFFFFFFFF

	// secInfoFixedSize is the size of the SecurityInfoHeader proper, up to
	// but excluding the page-descriptor array: headerSize through
	// pageDescCount inclusive.
	secInfoFixedSize  = 0x184
	pageDescEntrySize = 24

	// versionString is the human-readable text carried in the 256-byte
	// signature field. There is no cryptographic signing: this is a
	// version tag, not a certificate.
	versionString = "synthxex"
)

// PageDescriptor describes one page of the basefile image: its XEX page
// permission and its link in the page hash chain.
type PageDescriptor struct {
	SizeAndInfo uint32
	SHA1        [20]byte
}

// SecurityInfoHeader is the fixed 0x184-byte XEX security-info header,
// plus the variable-length page-descriptor array that follows it on disk.
type SecurityInfoHeader struct {
	HeaderSize       uint32
	PeSize           uint32
	Signature        [256]byte
	ImageInfoSize    uint32
	ImageFlags       uint32
	BaseAddr         uint32
	ImageSHA1        [20]byte
	ImportTableCount uint32
	ImportTableSHA1  [20]byte
	MediaID          [16]byte
	AESKey           [16]byte
	ExportTableAddr  uint32
	HeadersHash      [20]byte
	GameRegion       uint32
	MediaTypes       uint32
	PageDescCount    uint32

	Descriptors []PageDescriptor
}

// buildSecurityInfo fills every SecurityInfoHeader field except
// ImportTableCount and ImportTableSHA1, which Build fills from
// buildImportLibraries, and HeadersHash, which only the header-hash pass
// (run after the writer) can compute. basefile must already hold the mapped,
// page-padded image (mapToBasefile must have run).
func (pe *PEImage) buildSecurityInfo(basefile *os.File) (*SecurityInfoHeader, error) {
	const op = "PEImage.buildSecurityInfo"

	sec := &SecurityInfoHeader{
		PeSize:        pe.Size,
		ImageInfoSize: 0x174,
		BaseAddr:      pe.BaseAddr,
		GameRegion:    xexRegFlagRegionFree,
		MediaTypes:    xexMediaTypesAll,
	}
	copy(sec.Signature[:], versionString)

	if pe.PageSize == 0x1000 {
		sec.ImageFlags |= xexImgFlag4KiBPages
	}
	sec.ImageFlags |= xexImgFlagRegionFree

	if pe.Size%pe.PageSize != 0 {
		return nil, newErr(op, KindUnsupportedStructure, "basefile size is not a multiple of the page size")
	}
	sec.PageDescCount = pe.Size / pe.PageSize
	sec.HeaderSize = sec.PageDescCount*pageDescEntrySize + secInfoFixedSize

	descriptors, imageSHA1, err := pe.buildPageDescriptors(basefile, sec.PageDescCount, pe.PageSize)
	if err != nil {
		return nil, err
	}
	sec.Descriptors = descriptors
	sec.ImageSHA1 = imageSHA1

	return sec, nil
}

// permFlagForPage returns the XEX page permission for the page starting
// at the given byte offset, by scanning sections from the highest index
// down (last-matching-by-RVA wins). Offsets before the first
// section's RVA belong to the PE header image and default to ro-data.
func (pe *PEImage) permFlagForPage(pageOffset uint32) uint8 {
	for i := len(pe.Sections) - 1; i >= 0; i-- {
		if pageOffset >= pe.Sections[i].RVA {
			return pe.Sections[i].PermFlag
		}
	}
	return xexSectionROData | sizePresentBit
}

// buildPageDescriptors computes every page's permission and its link in
// the SHA-1 hash chain, folding from the last page to the first.
// sizeAndInfo is hashed as a big-endian copy so the digest matches the
// on-disk form; the stored descriptor keeps the host-order value.
func (pe *PEImage) buildPageDescriptors(basefile *os.File, pageDescCount, pageSize uint32) ([]PageDescriptor, [20]byte, error) {
	const op = "PEImage.buildPageDescriptors"

	descriptors := make([]PageDescriptor, pageDescCount)
	var nextHash [20]byte // the hash folded in at the top of the chain is all-zero
	var imageSHA1 [20]byte

	for i := int64(pageDescCount) - 1; i >= 0; i-- {
		sizeAndInfo := uint32(pe.permFlagForPage(uint32(i) * pageSize))
		descriptors[i].SizeAndInfo = sizeAndInfo

		page := make([]byte, pageSize)
		if _, err := basefile.ReadAt(page, i*int64(pageSize)); err != nil {
			return nil, [20]byte{}, wrapErr(op, KindFileRead, err)
		}

		var sizeAndInfoBE [4]byte
		binary.BigEndian.PutUint32(sizeAndInfoBE[:], sizeAndInfo)

		h := sha1.New()
		h.Write(page)
		h.Write(sizeAndInfoBE[:])
		h.Write(nextHash[:])
		digest := h.Sum(nil)

		// This iteration's digest becomes sha1[i-1] (or the chain root,
		// imageSha1, once i reaches 0): the descriptor array stores each
		// page's link to the page below it, not to itself, so the
		// top-most page's own sha1 field is left zero.
		if i > 0 {
			copy(descriptors[i-1].SHA1[:], digest)
		} else {
			copy(imageSHA1[:], digest)
		}
		nextHash = [20]byte{}
		copy(nextHash[:], digest)
	}

	return descriptors, imageSHA1, nil
}
