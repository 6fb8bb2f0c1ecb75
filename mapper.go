// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import (
	"encoding/binary"
	"os"
)

// mapToBasefile writes a rewritten copy of the PE into basefile where
// every RVA equals its file offset, then rewrites each IAT entry to the
// XEX "Xenon" form. It updates pe.Size to the basefile's final,
// page-padded length.
func (pe *PEImage) mapToBasefile(basefile *os.File) error {
	const op = "PEImage.mapToBasefile"

	headerAndTable, err := pe.r.bytes(0, pe.HeaderSize+pe.SectionTblSize)
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	if _, err := basefile.WriteAt(headerAndTable, 0); err != nil {
		return wrapErr(op, KindFileWrite, err)
	}

	for _, sec := range pe.Sections {
		if sec.RawSize == 0 {
			continue
		}
		raw, err := pe.r.bytes(sec.RawOffset, sec.RawSize)
		if err != nil {
			return wrapErr(op, KindFileRead, err)
		}
		if _, err := basefile.WriteAt(raw, int64(sec.RVA)); err != nil {
			return wrapErr(op, KindFileWrite, err)
		}
	}

	fi, err := basefile.Stat()
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	currentOffset := uint32(fi.Size())
	padTo := nextAligned(currentOffset, pe.PageSize)
	if padTo != currentOffset {
		if _, err := basefile.WriteAt([]byte{0}, int64(padTo-1)); err != nil {
			return wrapErr(op, KindFileWrite, err)
		}
	}

	fi, err = basefile.Stat()
	if err != nil {
		return wrapErr(op, KindFileRead, err)
	}
	pe.Size = uint32(fi.Size())

	return pe.xenonifyIATs(basefile)
}

// xenonifyIATs rewrites every IAT entry in the basefile from PE ordinal
// form to XEX "Xenon" form: the ordinal flag is cleared and the importing
// library's table index is embedded in bits 16..23. The basefile still
// holds the entry exactly as the PE wrote it (little-endian, the mapper
// copies bytes verbatim); the rewritten value is stored big-endian, as
// the big-endian PowerPC loader will read it.
func (pe *PEImage) xenonifyIATs(basefile *os.File) error {
	const op = "PEImage.xenonifyIATs"

	// tableIndex is embedded in 8 bits of the rewritten entry (bits
	// 16..23); a PE importing from more than 256 libraries would alias
	// two tables to the same index.
	if len(pe.ImportTables) > 0x100 {
		return newErr(op, KindDataOverflow, "import table count exceeds the 8-bit table-index field")
	}

	for tableIndex, table := range pe.ImportTables {
		for i := range table.Imports {
			slotOffset := int64(table.IDTIATRVA) + int64(i)*4

			var raw [4]byte
			if _, err := basefile.ReadAt(raw[:], slotOffset); err != nil {
				return wrapErr(op, KindFileRead, err)
			}
			entry := binary.LittleEndian.Uint32(raw[:])

			entry = (entry &^ peImportOrdinalFlag) | (uint32(tableIndex&0xFF) << 16)

			binary.BigEndian.PutUint32(raw[:], entry)
			if _, err := basefile.WriteAt(raw[:], slotOffset); err != nil {
				return wrapErr(op, KindFileWrite, err)
			}
		}
	}

	return nil
}
