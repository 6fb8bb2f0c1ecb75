// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

// xexLayout holds every absolute offset the writer needs, computed once
// by place() and never recomputed afterwards.
type xexLayout struct {
	SecInfoOffset       uint32
	BasefileFormatOffset uint32
	ImportLibsOffset    uint32 // 0 if there are no imports
	TLSInfoOffset       uint32
	PEOffset            uint32
	Entries             []OptionalHeaderEntry // ascending id order
}

// place assigns absolute offsets to every structure in the XEX. The
// import-libraries body is end-anchored against the basefile: its size is
// folded into peOffset's computation, then its final offset is peOffset
// minus its size, so it never overlaps the header that precedes it
// regardless of the 4096-byte rounding.
func (pe *PEImage) place(sec *SecurityInfoHeader, basefileFormatBody, importLibrariesBody, tlsInfoBody []byte, entryPointValue uint32) *xexLayout {
	hasImportLibs := len(importLibrariesBody) > 0

	count := uint32(4)
	if hasImportLibs {
		count = 5
	}

	offset := uint32(24) + count*8 // XEX header + optional-header-entry array

	secInfoOffset := nextAligned(offset, 8)
	offset = secInfoOffset + sec.HeaderSize

	basefileFormatOffset := nextAligned(offset, 8)
	offset = basefileFormatOffset + uint32(len(basefileFormatBody))

	tlsInfoOffset := nextAligned(offset, 8)
	offset = tlsInfoOffset + uint32(len(tlsInfoBody))

	var importLibsOffset uint32
	peOffset := nextAligned(offset, 4096)
	if hasImportLibs {
		peOffset = nextAligned(offset+uint32(len(importLibrariesBody)), 4096)
		importLibsOffset = peOffset - uint32(len(importLibrariesBody))
	}

	entries := []OptionalHeaderEntry{
		{ID: optHdrIDBasefileFormat, DataOrOffset: basefileFormatOffset},
		{ID: optHdrIDEntrypoint, DataOrOffset: entryPointValue},
	}
	if hasImportLibs {
		entries = append(entries, OptionalHeaderEntry{ID: optHdrIDImportLibs, DataOrOffset: importLibsOffset})
	}
	entries = append(entries,
		OptionalHeaderEntry{ID: optHdrIDTLSInfo, DataOrOffset: tlsInfoOffset},
		OptionalHeaderEntry{ID: optHdrIDSysFlags, DataOrOffset: sysFlagsValue},
	)

	return &xexLayout{
		SecInfoOffset:        secInfoOffset,
		BasefileFormatOffset: basefileFormatOffset,
		ImportLibsOffset:     importLibsOffset,
		TLSInfoOffset:        tlsInfoOffset,
		PEOffset:             peOffset,
		Entries:              entries,
	}
}
