// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// PE/COFF constants this package actually reads. Unlike a general-purpose
// PE parser, synthxex only ever looks at the handful of fields an Xbox 360
// PE is guaranteed to carry.
const (
	imageDOSSignature = 0x5A4D // "MZ"
	imageNTSignature  = 0x00004550

	// imageFileMachinePowerPCBE is the only COFF machine ID the loader
	// will accept, absent -s/SkipMachineCheck.
	imageFileMachinePowerPCBE = 0x01F2

	// imageSubsystemXbox is the only optional-header subsystem accepted.
	imageSubsystemXbox = 0x000E

	dosHeaderPEOffsetField = 0x3C
	coffHeaderSize         = 0x18
	sectionEntrySize       = 0x28

	coffMachineOffset         = 0x4
	coffSectionCountOffset    = 0x6
	coffCharacteristicsOffset = 0x16
	coffOptHeaderSizeOffset   = 0x14

	// optHdrEntryPointOffset/optHdrBaseAddrOffset/optHdrPageSizeOffset are
	// relative to the optional header (peHeaderOffset+coffHeaderSize).
	optHdrEntryPointOffset = 0x10
	optHdrBaseAddrOffset   = 0x1C
	optHdrPageSizeOffset   = 0x20

	// optHdrSubsystemOffset/dataDirExportOffset/dataDirImportOffset/
	// optHdrTLSAddrOffset/optHdrTLSSizeOffset are relative to the PE
	// header itself, not the optional header: the data-directory array
	// begins at optional+0x60, i.e. peHeaderOffset+0x18+0x60 ==
	// peHeaderOffset+0x78, matching the real PE32 layout.
	optHdrSubsystemOffset = 0x5C
	dataDirExportOffset   = 0x78
	dataDirImportOffset   = 0x80
	optHdrTLSAddrOffset   = 0xC0
	optHdrTLSSizeOffset   = 0xC4
)

// PE characteristics bits this package inspects.
const (
	peCharDLL = 0x2000
)

// Section characteristics bits, mapped to XEX page permissions in section.go.
const (
	peSectionFlagDiscardable = 0x02000000
	peSectionFlagExecute     = 0x20000000
	peSectionFlagRead        = 0x40000000
	peSectionFlagWrite       = 0x80000000
)

// peImportOrdinalFlag marks a PE IAT/IDT ordinal import; the loader rejects
// everything else (import-by-name is unsupported).
const peImportOrdinalFlag = 0x80000000

// PEImage is the parsed, read-only view of the input PE produced by
// OpenPE. It owns the memory-mapped file and every structure the rest of
// the pipeline reads; nothing downstream of the mapper re-reads it.
type PEImage struct {
	f  *os.File
	mm mmap.MMap
	r  peReader

	Size            uint32
	BaseAddr        uint32
	EntryPointRVA   uint32
	TLSAddr         uint32
	TLSSize         uint32
	PEHeaderOffset  uint32
	SectionCount    uint16
	SectionTblSize  uint32
	HeaderSize      uint32
	PageSize        uint32
	Characteristics uint16
	ExportPresent   bool

	Sections []Section

	ImportTables      []ImportTable
	TotalImportCount  int
	BranchStubCount   int
}

// OpenPE memory-maps path read-only, validates it as an Xbox 360 PE, and
// extracts every field the rest of the pipeline needs. skipMachineCheck
// disables the COFF machine-ID check (the -s CLI flag).
func OpenPE(path string, skipMachineCheck bool) (*PEImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapErr("OpenPE", KindFileOpen, err)
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, wrapErr("OpenPE", KindFileOpen, err)
	}

	pe := &PEImage{f: f, mm: mm, r: peReader{data: mm}}

	if err := pe.validate(skipMachineCheck); err != nil {
		pe.Close()
		return nil, err
	}

	if err := pe.extractHeader(); err != nil {
		pe.Close()
		return nil, err
	}

	if err := pe.parseSections(); err != nil {
		pe.Close()
		return nil, err
	}

	if err := pe.parseImports(); err != nil {
		pe.Close()
		return nil, err
	}

	if err := pe.scanBranchStubs(); err != nil {
		pe.Close()
		return nil, err
	}

	return pe, nil
}

// Close releases the memory mapping and closes the underlying file. Safe
// to call more than once.
func (pe *PEImage) Close() error {
	if pe.mm != nil {
		_ = pe.mm.Unmap()
		pe.mm = nil
	}
	if pe.f != nil {
		err := pe.f.Close()
		pe.f = nil
		return err
	}
	return nil
}

// validate performs the required structural checks, in order. Any
// failure is reported as "not an Xbox 360 PE" regardless of which check
// tripped, matching the source tool's validatePE.
func (pe *PEImage) validate(skipMachineCheck bool) error {
	const op = "PEImage.validate"
	notXbox := func(err error) error { return wrapErr(op, KindFileRead, fmt.Errorf("not an Xbox 360 PE: %w", err)) }

	if pe.r.size() < 0x40 {
		return notXbox(errOutsideBoundary)
	}

	magic, err := pe.r.u16(0)
	if err != nil || magic != imageDOSSignature {
		return newErr(op, KindFileRead, "not an Xbox 360 PE: DOS magic not found")
	}

	peHeaderOffset, err := pe.r.u32(dosHeaderPEOffsetField)
	if err != nil {
		return notXbox(err)
	}
	if pe.r.size() < peHeaderOffset {
		return newErr(op, KindFileRead, "not an Xbox 360 PE: PE header pointer out of bounds")
	}

	sectionCount, err := pe.r.u16(peHeaderOffset + coffSectionCountOffset)
	if err != nil {
		return notXbox(err)
	}
	if sectionCount == 0 {
		return newErr(op, KindFileRead, "not an Xbox 360 PE: zero sections")
	}

	sizeOfOptHdr, err := pe.r.u16(peHeaderOffset + coffOptHeaderSizeOffset)
	if err != nil {
		return notXbox(err)
	}

	minSize := peHeaderOffset + coffHeaderSize + uint32(sizeOfOptHdr) + uint32(sectionCount)*sectionEntrySize
	if pe.r.size() < minSize {
		return newErr(op, KindFileRead, "not an Xbox 360 PE: file truncated before section table ends")
	}

	machineID, err := pe.r.u16(peHeaderOffset + coffMachineOffset)
	if err != nil {
		return notXbox(err)
	}
	if machineID != imageFileMachinePowerPCBE && !skipMachineCheck {
		return newErr(op, KindFileRead, "not an Xbox 360 PE: machine ID is not POWERPCBE")
	}

	subsystem, err := pe.r.u16(peHeaderOffset + optHdrSubsystemOffset)
	if err != nil {
		return notXbox(err)
	}
	if subsystem != imageSubsystemXbox {
		return newErr(op, KindFileRead, "not an Xbox 360 PE: subsystem is not XBOX")
	}

	pageSize, err := pe.r.u32(peHeaderOffset + coffHeaderSize + optHdrPageSizeOffset)
	if err != nil {
		return notXbox(err)
	}
	if pageSize != 0x1000 && pageSize != 0x10000 {
		return newErr(op, KindFileRead, "not an Xbox 360 PE: section alignment is not 4KiB or 64KiB")
	}

	sectionTableOffset := peHeaderOffset + coffHeaderSize + uint32(sizeOfOptHdr)
	for i := uint16(0); i < sectionCount; i++ {
		entry := sectionTableOffset + uint32(i)*sectionEntrySize
		rawSize, err := pe.r.u32(entry + 0x10)
		if err != nil {
			return notXbox(err)
		}
		rawOffset, err := pe.r.u32(entry + 0x14)
		if err != nil {
			return notXbox(err)
		}
		if pe.r.size() < rawSize+rawOffset {
			return newErr(op, KindFileRead, "not an Xbox 360 PE: section exceeds file bounds")
		}
	}

	return nil
}

// extractHeader populates every PEImage field derived from the header, other
// than the section table itself (parseSections) and imports
// (parseImports).
func (pe *PEImage) extractHeader() error {
	const op = "PEImage.extractHeader"

	pe.Size = pe.r.size()

	peHeaderOffset, err := pe.r.u32(dosHeaderPEOffsetField)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	pe.PEHeaderOffset = peHeaderOffset

	sectionCount, err := pe.r.u16(peHeaderOffset + coffSectionCountOffset)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	pe.SectionCount = sectionCount
	pe.SectionTblSize = uint32(sectionCount) * sectionEntrySize

	sizeOfOptHdr, err := pe.r.u16(peHeaderOffset + coffOptHeaderSizeOffset)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	// +1 is a legacy off-by-one the loader has always required of headerSize.
	pe.HeaderSize = (peHeaderOffset + 1) + coffHeaderSize + uint32(sizeOfOptHdr)

	characteristics, err := pe.r.u16(peHeaderOffset + coffCharacteristicsOffset)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	pe.Characteristics = characteristics

	optHdr := peHeaderOffset + coffHeaderSize

	entryPoint, err := pe.r.u32(optHdr + optHdrEntryPointOffset)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	pe.EntryPointRVA = entryPoint

	baseAddr, err := pe.r.u32(optHdr + optHdrBaseAddrOffset)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	pe.BaseAddr = baseAddr

	pageSize, err := pe.r.u32(optHdr + optHdrPageSizeOffset)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	pe.PageSize = pageSize

	exportDirSize, err := pe.r.u32(peHeaderOffset + dataDirExportOffset)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	pe.ExportPresent = exportDirSize != 0

	tlsAddr, err := pe.r.u32(peHeaderOffset + optHdrTLSAddrOffset)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	tlsSize, err := pe.r.u32(peHeaderOffset + optHdrTLSSizeOffset)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	pe.TLSAddr, pe.TLSSize = tlsAddr, tlsSize

	if tlsAddr != 0 || tlsSize != 0 {
		return newErr(op, KindUnsupportedStructure, "PE-TLS directory present, unsupported")
	}

	return nil
}

// importDirRVA returns the RVA of the Import Directory Table from data
// directory[1] (PE+0x80), or 0 if there are no imports.
func (pe *PEImage) importDirRVA() (uint32, error) {
	return pe.r.u32(pe.PEHeaderOffset + dataDirImportOffset)
}

// rvaToOffset converts a relative virtual address to a file offset using
// the section table, scanning from the highest-indexed section down so the
// last matching section by RVA wins.
// Returns 0 if the RVA is not contained in any section (not found).
func (pe *PEImage) rvaToOffset(rva uint32) uint32 {
	n := len(pe.Sections)
	if n > 0 {
		last := pe.Sections[n-1]
		if rva >= last.RVA+last.VirtualSize {
			return 0
		}
	}
	for i := n - 1; i >= 0; i-- {
		if rva >= pe.Sections[i].RVA {
			return (rva - pe.Sections[i].RVA) + pe.Sections[i].RawOffset
		}
	}
	return 0
}

// offsetToRVA is the inverse of rvaToOffset.
func (pe *PEImage) offsetToRVA(offset uint32) uint32 {
	n := len(pe.Sections)
	if n > 0 {
		last := pe.Sections[n-1]
		if offset >= last.RawOffset+last.RawSize {
			return 0
		}
	}
	for i := n - 1; i >= 0; i-- {
		if offset >= pe.Sections[i].RawOffset {
			return (offset - pe.Sections[i].RawOffset) + pe.Sections[i].RVA
		}
	}
	return 0
}
