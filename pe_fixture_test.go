// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import (
	"encoding/binary"
	"os"
	"testing"
)

// fixtureSection describes one section to bake into a synthetic PE built
// by writeFixturePE, used by every test that needs a real, parseable
// Xbox 360 PE without shipping a binary fixture.
type fixtureSection struct {
	characteristics uint32
	rva             uint32
	rawOffset       uint32
	rawSize         uint32
	virtualSize     uint32
	data            []byte
}

type fixtureOpts struct {
	baseAddr      uint32
	entryPointRVA uint32
	pageSize      uint32
	exportPresent bool
	tlsAddr       uint32
	tlsSize       uint32
	machine       uint16
	subsystem     uint16
	importDirRVA  uint32
	sections      []fixtureSection
}

func defaultFixtureOpts() fixtureOpts {
	return fixtureOpts{
		baseAddr:      0x82000000,
		entryPointRVA: 0x1000,
		pageSize:      0x1000,
		machine:       imageFileMachinePowerPCBE,
		subsystem:     imageSubsystemXbox,
	}
}

// fixtureHeaderOffset and fixtureOptHdrSize are the peHeaderOffset and
// sizeOfOptionalHeader baked into every fixture; exported at package level
// (lowercase, test-only) so other _test.go files can lay out section data
// and RVAs without recomputing the header layout.
const (
	fixtureHeaderOffset = 0x80
	fixtureOptHdrSize   = 0xE0
)

func fixtureSectionTableOffset() uint32 {
	headerSize := (uint32(fixtureHeaderOffset) + 1) + coffHeaderSize + fixtureOptHdrSize
	return headerSize - 1
}

// writeFixturePE renders opts into a minimal PE byte image consistent
// with the field offsets pe.go reads, writes it to a temp file, and
// returns its path. The header layout mirrors pe.go's own constants
// exactly: this is a test double for a real Xbox 360 toolchain's output,
// not a general-purpose PE encoder.
func writeFixturePE(t *testing.T, opts fixtureOpts) string {
	t.Helper()

	sectionTableOffset := fixtureSectionTableOffset()
	sectionTableSize := uint32(len(opts.sections)) * sectionEntrySize

	// Everything through the end of the section table is "header"; lay
	// section payloads out immediately after, each at its declared
	// rawOffset (the caller is responsible for non-overlap).
	fileSize := sectionTableOffset + sectionTableSize
	for _, s := range opts.sections {
		if end := s.rawOffset + s.rawSize; end > fileSize {
			fileSize = end
		}
	}

	buf := make([]byte, fileSize)
	le := binary.LittleEndian

	le.PutUint16(buf[0:], imageDOSSignature)
	le.PutUint32(buf[dosHeaderPEOffsetField:], fixtureHeaderOffset)

	le.PutUint32(buf[fixtureHeaderOffset:], imageNTSignature)
	le.PutUint16(buf[fixtureHeaderOffset+coffMachineOffset:], opts.machine)
	le.PutUint16(buf[fixtureHeaderOffset+coffSectionCountOffset:], uint16(len(opts.sections)))
	le.PutUint16(buf[fixtureHeaderOffset+coffOptHeaderSizeOffset:], fixtureOptHdrSize)
	le.PutUint16(buf[fixtureHeaderOffset+coffCharacteristicsOffset:], 0)

	// optHdrEntryPointOffset/optHdrBaseAddrOffset/optHdrPageSizeOffset are
	// optional-header-relative; the subsystem field and the data-directory
	// array (export, import, TLS) are PE-header-relative, matching the
	// real PE32 layout pe.go now reads against.
	optHdr := fixtureHeaderOffset + coffHeaderSize
	le.PutUint32(buf[optHdr+optHdrEntryPointOffset:], opts.entryPointRVA)
	le.PutUint32(buf[optHdr+optHdrBaseAddrOffset:], opts.baseAddr)
	le.PutUint32(buf[optHdr+optHdrPageSizeOffset:], opts.pageSize)
	le.PutUint16(buf[fixtureHeaderOffset+optHdrSubsystemOffset:], opts.subsystem)
	le.PutUint32(buf[fixtureHeaderOffset+optHdrTLSAddrOffset:], opts.tlsAddr)
	le.PutUint32(buf[fixtureHeaderOffset+optHdrTLSSizeOffset:], opts.tlsSize)
	if opts.exportPresent {
		le.PutUint32(buf[fixtureHeaderOffset+dataDirExportOffset:], 1)
	}
	if opts.importDirRVA != 0 {
		le.PutUint32(buf[fixtureHeaderOffset+dataDirImportOffset:], opts.importDirRVA)
	}

	for i, s := range opts.sections {
		entry := sectionTableOffset + uint32(i)*sectionEntrySize
		le.PutUint32(buf[entry+0x8:], s.virtualSize)
		le.PutUint32(buf[entry+0xC:], s.rva)
		le.PutUint32(buf[entry+0x10:], s.rawSize)
		le.PutUint32(buf[entry+0x14:], s.rawOffset)
		le.PutUint32(buf[entry+0x24:], s.characteristics)

		copy(buf[s.rawOffset:s.rawOffset+s.rawSize], s.data)
	}

	f, err := os.CreateTemp("", "synthxex-fixture-*.pe")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.Write(buf); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })

	return f.Name()
}

// putIDTEntry writes one 20-byte Import Directory Table entry at
// data[off:], matching the layout imports.go reads (name RVA at +12, IAT
// RVA at +16, everything else unused).
func putIDTEntry(data []byte, off int, nameRVA, iatRVA uint32) {
	binary.LittleEndian.PutUint32(data[off+12:], nameRVA)
	binary.LittleEndian.PutUint32(data[off+16:], iatRVA)
}
