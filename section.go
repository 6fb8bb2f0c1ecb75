// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

// XEX page-permission values, the low nibble of a page descriptor's
// size-and-info field.
const (
	xexSectionCode   = 0x1
	xexSectionRWData = 0x2
	xexSectionROData = 0x3

	// sizePresentBit marks "size in pages == 1" in the permission byte
	// synthxex always emits (every page descriptor here covers one page).
	sizePresentBit = 0x10
)

// Section describes one PE section's placement and the XEX page
// permission it maps to.
type Section struct {
	PermFlag    uint8
	VirtualSize uint32
	RVA         uint32
	RawSize     uint32
	RawOffset   uint32
}

// permFlagFromCharacteristics maps PE section characteristics to an XEX
// page permission. EXECUTE wins over
// WRITE/DISCARDABLE wins over READ; a section with none of those bits is
// rejected rather than guessed at.
func permFlagFromCharacteristics(characteristics uint32) (uint8, error) {
	switch {
	case characteristics&peSectionFlagExecute != 0:
		return xexSectionCode | sizePresentBit, nil
	case characteristics&peSectionFlagWrite != 0 || characteristics&peSectionFlagDiscardable != 0:
		return xexSectionRWData | sizePresentBit, nil
	case characteristics&peSectionFlagRead != 0:
		return xexSectionROData | sizePresentBit, nil
	default:
		return 0, newErr("permFlagFromCharacteristics", KindMissingSectionFlag,
			"PE section has none of EXECUTE/WRITE/READ/DISCARDABLE set")
	}
}

// parseSections reads the PE section table and derives each section's XEX
// page permission. Sections are stored in section-table
// order; rvaToOffset/offsetToRVA and the page-permission scan in
// security.go rely on that order to implement "last matching section by
// RVA wins".
func (pe *PEImage) parseSections() error {
	const op = "PEImage.parseSections"

	sectionTableOffset := pe.HeaderSize - 1 // headerSize carries the +1 legacy adjustment; the table itself starts one byte earlier
	sections := make([]Section, 0, pe.SectionCount)

	for i := uint16(0); i < pe.SectionCount; i++ {
		entry := sectionTableOffset + uint32(i)*sectionEntrySize

		virtualSize, err := pe.r.u32(entry + 0x8)
		if err != nil {
			return wrapErr(op, KindFileRead, err)
		}
		rva, err := pe.r.u32(entry + 0xC)
		if err != nil {
			return wrapErr(op, KindFileRead, err)
		}
		rawSize, err := pe.r.u32(entry + 0x10)
		if err != nil {
			return wrapErr(op, KindFileRead, err)
		}
		rawOffset, err := pe.r.u32(entry + 0x14)
		if err != nil {
			return wrapErr(op, KindFileRead, err)
		}
		characteristics, err := pe.r.u32(entry + 0x24)
		if err != nil {
			return wrapErr(op, KindFileRead, err)
		}

		permFlag, err := permFlagFromCharacteristics(characteristics)
		if err != nil {
			return err
		}

		sections = append(sections, Section{
			PermFlag:    permFlag,
			VirtualSize: virtualSize,
			RVA:         rva,
			RawSize:     rawSize,
			RawOffset:   rawOffset,
		})
	}

	pe.Sections = sections
	return nil
}
