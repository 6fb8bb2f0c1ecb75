// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import (
	"crypto/sha1"
	"strconv"
	"strings"
)

// Optional-header ids, assigned in strictly ascending order.
const (
	optHdrIDBasefileFormat = 0x000003FF
	optHdrIDEntrypoint     = 0x00010100
	optHdrIDImportLibs     = 0x000103FF
	optHdrIDTLSInfo        = 0x00020104
	optHdrIDSysFlags       = 0x00030000
)

// Module flags (XexHeader.ModuleFlags), the well-known XEX2 bit
// assignments.
const (
	xexModFlagTitle   = 0x1
	xexModFlagExports = 0x2
	xexModFlagDLL     = 0x8
)

// ModuleType is the `-t` CLI override for XexHeader.ModuleFlags. The zero
// value, ModuleDefault, leaves the flags to be derived from the PE
// (zero-value auto-detect policy below).
type ModuleType int

const (
	ModuleDefault ModuleType = iota
	ModuleTitle
	ModuleTitleDLL
	ModuleSysDLL
	ModuleDLL
)

// ParseModuleType maps the `-t` flag's argument to a ModuleType.
func ParseModuleType(s string) (ModuleType, error) {
	switch s {
	case "title":
		return ModuleTitle, nil
	case "titledll":
		return ModuleTitleDLL, nil
	case "sysdll":
		return ModuleSysDLL, nil
	case "dll":
		return ModuleDLL, nil
	default:
		return 0, newErr("ParseModuleType", KindUnsupportedStructure, "unrecognised module type: "+s)
	}
}

// moduleFlags derives XexHeader.ModuleFlags. Without an override, DLL
// comes from the PE's DLL characteristic, TITLE from the base address
// being below the system range, and EXPORTS from export presence; -t
// replaces this entirely with a fixed combination.
func (pe *PEImage) moduleFlags(override ModuleType) uint32 {
	switch override {
	case ModuleTitle:
		return xexModFlagTitle
	case ModuleTitleDLL:
		return xexModFlagTitle | xexModFlagDLL
	case ModuleSysDLL, ModuleDLL:
		return xexModFlagDLL
	}

	var flags uint32
	if pe.Characteristics&peCharDLL != 0 {
		flags |= xexModFlagDLL
	}
	if pe.BaseAddr < 0x90000000 {
		flags |= xexModFlagTitle
	}
	if pe.ExportPresent {
		flags |= xexModFlagExports
	}
	return flags
}

// OptionalHeaderEntry is one {id, data_or_offset} slot in the array that
// follows the XEX header.
type OptionalHeaderEntry struct {
	ID           uint32
	DataOrOffset uint32
}

// buildBasefileFormatBody emits the fixed Basefile-Format optional header
// body: uncompressed, unencrypted, one contiguous run.
func buildBasefileFormatBody(peSize uint32) []byte {
	w := &bewriter{}
	w.u32(16) // size
	w.u16(0)  // encryption: none
	w.u16(1)  // compression: none
	w.u32(peSize)
	w.u32(0) // zeroSize
	return w.buf
}

// buildTLSInfoBody emits the fixed TLS-Info optional header body. synthxex
// never emits real PE-TLS data; this is a stub the loader tolerates.
func buildTLSInfoBody() []byte {
	w := &bewriter{}
	w.u32(0x40) // slotCount
	w.u32(0)    // rawDataAddr
	w.u32(0)    // dataSize
	w.u32(0)    // rawDataSize
	return w.buf
}

// sysFlagsValue is the inline System-Flags optional header value: the
// union of GAMEPAD_DISCONNECT | INSECURE_SOCKETS | XAM_HOOKS |
// BACKGROUND_DL | ALLOW_CONTROL_SWAP.
const sysFlagsValue = 0x400810E0

// importLibraryUnknown hard-maps the three import libraries synthxex
// knows about to their "unknown" constant. The origin of these values
// isn't documented upstream; don't invent new ones for other libraries
// (see DESIGN.md).
func importLibraryUnknown(name string) (uint32, error) {
	switch name {
	case "xboxkrnl.exe":
		return 0x45DC17E0, nil
	case "xam.xex":
		return 0xFCA15C76, nil
	case "xbdm.xex":
		return 0xECEB8109, nil
	default:
		return 0, newErr("importLibraryUnknown", KindUnsupportedStructure, "unrecognised import library: "+name)
	}
}

// parseImportVersionedName splits an import library's "lib@bbbb.hh+BBBB.HH"
// name into the bare library name and its packed target/min versions
// (major=2, minor=0 hardcoded).
func parseImportVersionedName(name string) (lib string, targetVer, minVer uint32, err error) {
	fail := func() (string, uint32, uint32, error) {
		return "", 0, 0, newErr("parseImportVersionedName", KindInvalidImportName,
			"import library name does not parse as lib@B.H+B.H: "+name)
	}

	at := strings.IndexByte(name, '@')
	if at < 0 {
		return fail()
	}
	lib = name[:at]

	plus := strings.IndexByte(name[at+1:], '+')
	if plus < 0 {
		return fail()
	}
	targetStr := name[at+1 : at+1+plus]
	minStr := name[at+1+plus+1:]

	targetVer, err1 := packVersionString(targetStr)
	minVer, err2 := packVersionString(minStr)
	if err1 != nil || err2 != nil {
		return fail()
	}

	return lib, targetVer, minVer, nil
}

// packVersionString parses a "bbbb.hh" build/hotfix pair and packs it with
// a hardcoded major.minor of 2.0: (major 4-bit)|(minor 4-bit)|(build
// 16-bit)|(hotfix 8-bit).
func packVersionString(s string) (uint32, error) {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0, newErr("packVersionString", KindInvalidImportName, "missing build.hotfix separator: "+s)
	}
	build, err := strconv.ParseUint(s[:dot], 10, 16)
	if err != nil {
		return 0, err
	}
	hotfix, err := strconv.ParseUint(s[dot+1:], 10, 8)
	if err != nil {
		return 0, err
	}
	const major, minor = 2, 0
	return (uint32(major) << 28) | (uint32(minor) << 24) | (uint32(build) << 8) | uint32(hotfix), nil
}

// importLibraryTable is one library's per-table fields, prior to on-disk
// serialisation.
type importLibraryTable struct {
	sha1         [20]byte
	unknown      uint32
	targetVer    uint32
	minVer       uint32
	tableIndex   uint16
	addresses    []uint32 // iat_addr, then (if nonzero) branch_stub_addr, per import
}

// buildImportLibraries assembles the Import-Libraries optional header
// body: a {size, nameTableSize, tableCount} header, a 4-byte-aligned
// NUL-terminated name table, and one per-library table each carrying its
// link in the import hash chain. Returns the body bytes and
// the chain root (secInfoHeader.importTableSha1). Returns (nil, zero,
// nil) if there are no imports at all.
func (pe *PEImage) buildImportLibraries() ([]byte, [20]byte, error) {
	if pe.TotalImportCount == 0 {
		return nil, [20]byte{}, nil
	}

	tables := make([]importLibraryTable, len(pe.ImportTables))

	nameTable := &bewriter{}
	for i, it := range pe.ImportTables {
		lib, targetVer, minVer, err := parseImportVersionedName(it.Name)
		if err != nil {
			return nil, [20]byte{}, err
		}
		unknown, err := importLibraryUnknown(lib)
		if err != nil {
			return nil, [20]byte{}, err
		}

		addrs := make([]uint32, 0, len(it.Imports)*2)
		for _, imp := range it.Imports {
			addrs = append(addrs, imp.IATAddr)
			if imp.BranchStubAddr != 0 {
				addrs = append(addrs, imp.BranchStubAddr)
			}
		}

		tables[i] = importLibraryTable{
			unknown:    unknown,
			targetVer:  targetVer,
			minVer:     minVer,
			tableIndex: uint16(i),
			addresses:  addrs,
		}

		nameTable.raw([]byte(it.Name))
		nameTable.u8(0)
	}
	for len(nameTable.buf)%4 != 0 {
		nameTable.u8(0)
	}

	importTableSHA1 := chainImportTables(tables)

	body := &bewriter{}
	headerSize := uint32(12)
	body.u32(headerSize + uint32(len(nameTable.buf)) + totalTableBytes(tables))
	body.u32(uint32(len(nameTable.buf)))
	body.u32(uint32(len(tables)))
	body.raw(nameTable.buf)

	for _, t := range tables {
		w := &bewriter{}
		w.u32(tableSize(t))
		w.raw(t.sha1[:])
		w.u32(t.unknown)
		w.u32(t.targetVer)
		w.u32(t.minVer)
		w.u16(0) // padding
		w.u16(t.tableIndex)
		w.u32(uint32(len(t.addresses)))
		for _, a := range t.addresses {
			w.u32(a)
		}
		body.raw(w.buf)
	}

	return body.buf, importTableSHA1, nil
}

// tableSize is the on-disk byte size of one per-library table: the fixed
// 44-byte header plus one 4-byte slot per address.
func tableSize(t importLibraryTable) uint32 {
	return 44 + uint32(len(t.addresses))*4
}

func totalTableBytes(tables []importLibraryTable) uint32 {
	var n uint32
	for _, t := range tables {
		n += tableSize(t)
	}
	return n
}

// chainImportTables computes the import-table hash chain the same way
// buildPageDescriptors computes the page chain: folding from the last
// table to the first, each digest covering that table's fields
// (excluding its own size) and its addresses, with the current link
// value (initially zero) folded in. The digest becomes the previous
// table's stored sha1, or the chain root once index 0 is reached.
func chainImportTables(tables []importLibraryTable) [20]byte {
	var nextHash [20]byte
	var root [20]byte

	for i := len(tables) - 1; i >= 0; i-- {
		t := &tables[i]
		t.sha1 = nextHash

		w := &bewriter{}
		w.raw(t.sha1[:])
		w.u32(t.unknown)
		w.u32(t.targetVer)
		w.u32(t.minVer)
		w.u16(0)
		w.u16(t.tableIndex)
		w.u32(uint32(len(t.addresses)))
		for _, a := range t.addresses {
			w.u32(a)
		}

		h := sha1.Sum(w.buf)

		if i > 0 {
			tables[i-1].sha1 = h
		} else {
			root = h
		}
		nextHash = h
	}

	return root
}
