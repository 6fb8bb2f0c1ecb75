// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

// idtEntrySize is the size, in bytes, of one Import Directory Table entry.
// Only the name RVA (offset 12) and IAT RVA (offset 16) are read; the
// remaining fields (hint/name table, forwarder chain, timestamp) are not
// meaningful for ordinal-only Xbox 360 imports.
const idtEntrySize = 20

// Import is one resolved IAT slot: its absolute load address, and, once
// scanBranchStubs runs, the absolute address of the branch stub (if any)
// that loads it.
type Import struct {
	IATAddr        uint32
	BranchStubAddr uint32
}

// ImportTable is one imported library's IDT entry plus its IAT contents.
type ImportTable struct {
	Name      string
	IDTIATRVA uint32
	Imports   []Import
}

// parseImports walks the Import Directory Table. A PE with no imports
// (IDT RVA of 0) is valid; TotalImportCount stays 0.
func (pe *PEImage) parseImports() error {
	const op = "PEImage.parseImports"

	idtRVA, err := pe.importDirRVA()
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	if idtRVA == 0 {
		return nil
	}

	idtOffset := pe.rvaToOffset(idtRVA)
	if idtOffset == 0 {
		return newErr(op, KindInvalidRVAOrOffset, "import directory RVA not found in any section")
	}

	for entryOffset := idtOffset; ; entryOffset += idtEntrySize {
		raw, err := pe.r.bytes(entryOffset, idtEntrySize)
		if err != nil {
			return wrapErr(op, KindFileRead, err)
		}
		if isZero(raw) {
			break
		}

		nameRVA, err := pe.r.u32(entryOffset + 12)
		if err != nil {
			return wrapErr(op, KindFileRead, err)
		}
		iatRVA, err := pe.r.u32(entryOffset + 16)
		if err != nil {
			return wrapErr(op, KindFileRead, err)
		}

		name, err := pe.readLibraryName(nameRVA)
		if err != nil {
			return err
		}

		table := ImportTable{Name: name, IDTIATRVA: iatRVA}

		iatOffset := pe.rvaToOffset(iatRVA)
		if iatOffset == 0 {
			return newErr(op, KindInvalidRVAOrOffset, "IAT RVA not found in any section")
		}

		for slot := iatOffset; ; slot += 4 {
			entry, err := pe.r.u32(slot)
			if err != nil {
				return wrapErr(op, KindFileRead, err)
			}
			if entry == 0 {
				break
			}
			if entry&peImportOrdinalFlag == 0 {
				return newErr(op, KindUnsupportedStructure, "import by name is unsupported, only import by ordinal is accepted")
			}

			slotRVA := pe.offsetToRVA(slot)
			if slotRVA == 0 {
				return newErr(op, KindInvalidRVAOrOffset, "IAT slot offset not found in any section")
			}

			table.Imports = append(table.Imports, Import{IATAddr: pe.BaseAddr + slotRVA})
		}

		pe.TotalImportCount += len(table.Imports)
		pe.ImportTables = append(pe.ImportTables, table)
	}

	return nil
}

// readLibraryName reads a NUL-terminated ASCII string at the given RVA,
// growing the read buffer in 16-byte strides to avoid a string-length
// scan before allocating.
func (pe *PEImage) readLibraryName(rva uint32) (string, error) {
	const op = "PEImage.readLibraryName"

	offset := pe.rvaToOffset(rva)
	if offset == 0 {
		return "", newErr(op, KindInvalidRVAOrOffset, "import name RVA not found in any section")
	}

	var name []byte
	for {
		chunk, err := pe.r.bytes(offset+uint32(len(name)), 16)
		if err != nil {
			return "", wrapErr(op, KindFileRead, err)
		}
		name = append(name, chunk...)
		if i := indexByte(chunk, 0); i >= 0 {
			return string(name[:len(name)-len(chunk)+i]), nil
		}
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// PowerPC instruction encodings for the four-instruction branch-stub
// prologue a PowerPC loader emits to resolve an ordinal import: lis/lwz
// load the IAT slot's value into a scratch register, mtctr/bctr branch to
// it indirectly.
const (
	insnLisMask    = 0xFC1F0000 // opcode(6) + RA(5, always 0), ignoring RT and the 16-bit immediate
	insnLisValue   = 0x3C000000
	insnLwzMask    = 0xFC000000
	insnLwzValue   = 0x80000000
	insnMtctrMask  = 0xFC1FFFFF
	insnMtctrValue = 0x7C0903A6
	insnBctr       = 0x4E800420
)

// scanBranchStubs scans every code section for the PowerPC branch-stub
// pattern and matches each one to the import it loads. The scan advances
// one instruction (4 bytes) per trial and stops early once every import
// has been claimed.
func (pe *PEImage) scanBranchStubs() error {
	const op = "PEImage.scanBranchStubs"

	if pe.TotalImportCount == 0 {
		return nil
	}

	byAddr := make(map[uint32]*Import, pe.TotalImportCount)
	for ti := range pe.ImportTables {
		for ii := range pe.ImportTables[ti].Imports {
			byAddr[pe.ImportTables[ti].Imports[ii].IATAddr] = &pe.ImportTables[ti].Imports[ii]
		}
	}

	for _, sec := range pe.Sections {
		if sec.PermFlag&0xF != xexSectionCode {
			continue
		}

		base := sec.RawOffset
		limit := sec.RawOffset + sec.RawSize
		for off := base; off+16 <= limit; off += 4 {
			if pe.BranchStubCount == pe.TotalImportCount {
				return nil
			}

			lis, err := pe.r.u32(off)
			if err != nil {
				return wrapErr(op, KindFileRead, err)
			}
			if lis&insnLisMask != insnLisValue {
				continue
			}
			rX := (lis >> 21) & 0x1F
			hi := lis & 0xFFFF

			lwz, err := pe.r.u32(off + 4)
			if err != nil {
				return wrapErr(op, KindFileRead, err)
			}
			if lwz&insnLwzMask != insnLwzValue {
				continue
			}
			if (lwz>>21)&0x1F != rX || (lwz>>16)&0x1F != rX {
				continue
			}
			lo := lwz & 0xFFFF

			mtctr, err := pe.r.u32(off + 8)
			if err != nil {
				return wrapErr(op, KindFileRead, err)
			}
			if mtctr&insnMtctrMask != insnMtctrValue || (mtctr>>21)&0x1F != rX {
				continue
			}

			bctr, err := pe.r.u32(off + 12)
			if err != nil {
				return wrapErr(op, KindFileRead, err)
			}
			if bctr != insnBctr {
				continue
			}

			loadAddr := (hi << 16) | lo
			imp, ok := byAddr[loadAddr]
			if !ok || imp.BranchStubAddr != 0 {
				continue
			}

			stubRVA := pe.offsetToRVA(off)
			if stubRVA == 0 {
				continue
			}
			imp.BranchStubAddr = pe.BaseAddr + stubRVA
			pe.BranchStubCount++
			off += 12 // on a match, advance past all four instructions, not just one
		}
	}

	return nil
}
