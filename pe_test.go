// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import (
	"errors"
	"testing"
)

func oneSectionOpts() fixtureOpts {
	opts := defaultFixtureOpts()
	opts.sections = []fixtureSection{
		{
			characteristics: peSectionFlagExecute,
			rva:             0x1000,
			rawOffset:       uint32(fixtureSectionTableOffset() + sectionEntrySize),
			rawSize:         0x1000,
			virtualSize:     0x1000,
			data:            make([]byte, 0x1000),
		},
	}
	return opts
}

func TestOpenPEValidImage(t *testing.T) {
	opts := oneSectionOpts()
	path := writeFixturePE(t, opts)

	pe, err := OpenPE(path, false)
	if err != nil {
		t.Fatalf("OpenPE: %v", err)
	}
	defer pe.Close()

	if pe.BaseAddr != opts.baseAddr {
		t.Errorf("BaseAddr = 0x%x, want 0x%x", pe.BaseAddr, opts.baseAddr)
	}
	if pe.EntryPointRVA != opts.entryPointRVA {
		t.Errorf("EntryPointRVA = 0x%x, want 0x%x", pe.EntryPointRVA, opts.entryPointRVA)
	}
	if len(pe.Sections) != 1 {
		t.Fatalf("len(Sections) = %d, want 1", len(pe.Sections))
	}
}

// TestOpenPERejectsWrongMachine covers the machine-ID gate and its -s bypass.
func TestOpenPERejectsWrongMachine(t *testing.T) {
	opts := oneSectionOpts()
	opts.machine = 0x014C // IMAGE_FILE_MACHINE_I386
	path := writeFixturePE(t, opts)

	if _, err := OpenPE(path, false); err == nil {
		t.Fatal("OpenPE: want error for non-POWERPCBE machine, got nil")
	}

	pe, err := OpenPE(path, true)
	if err != nil {
		t.Fatalf("OpenPE with skipMachineCheck: %v", err)
	}
	defer pe.Close()
}

// TestOpenPERejectsPETLS verifies that a PE-TLS directory present must be
// rejected as unsupported rather than silently ignored.
func TestOpenPERejectsPETLS(t *testing.T) {
	opts := oneSectionOpts()
	opts.tlsAddr = 0x2000
	opts.tlsSize = 0x100
	path := writeFixturePE(t, opts)

	_, err := OpenPE(path, false)
	if err == nil {
		t.Fatal("OpenPE: want error for PE-TLS directory, got nil")
	}
	var synthErr *Error
	if !errors.As(err, &synthErr) {
		t.Fatalf("error is not *Error: %T", err)
	}
	if synthErr.Kind != KindUnsupportedStructure {
		t.Errorf("Kind = %v, want KindUnsupportedStructure", synthErr.Kind)
	}
}

func TestOpenPERejectsBadSubsystem(t *testing.T) {
	opts := oneSectionOpts()
	opts.subsystem = 0x0002 // IMAGE_SUBSYSTEM_WINDOWS_GUI
	path := writeFixturePE(t, opts)

	if _, err := OpenPE(path, false); err == nil {
		t.Fatal("OpenPE: want error for non-XBOX subsystem, got nil")
	}
}

// TestRVAOffsetRoundTrip verifies that rvaToOffset/offsetToRVA round-trip
// for addresses inside either of two adjacent sections, and that an RVA
// past the last section is reported as not found (0).
func TestRVAOffsetRoundTrip(t *testing.T) {
	opts := defaultFixtureOpts()
	base := fixtureSectionTableOffset() + 2*sectionEntrySize
	opts.sections = []fixtureSection{
		{
			characteristics: peSectionFlagExecute,
			rva:             0x1000,
			rawOffset:       base,
			rawSize:         0x1000,
			virtualSize:     0x1000,
			data:            make([]byte, 0x1000),
		},
		{
			characteristics: peSectionFlagRead,
			rva:             0x2000,
			rawOffset:       base + 0x1000,
			rawSize:         0x1000,
			virtualSize:     0x1000,
			data:            make([]byte, 0x1000),
		},
	}
	path := writeFixturePE(t, opts)
	pe, err := OpenPE(path, false)
	if err != nil {
		t.Fatalf("OpenPE: %v", err)
	}
	defer pe.Close()

	for _, rva := range []uint32{0x1000, 0x1800, 0x2000, 0x2FFF} {
		off := pe.rvaToOffset(rva)
		if off == 0 {
			t.Fatalf("rvaToOffset(0x%x) = 0, want nonzero", rva)
		}
		back := pe.offsetToRVA(off)
		if back != rva {
			t.Errorf("round trip rva=0x%x -> offset=0x%x -> rva=0x%x", rva, off, back)
		}
	}

	if off := pe.rvaToOffset(0x5000); off != 0 {
		t.Errorf("rvaToOffset(0x5000) = 0x%x, want 0 (not found)", off)
	}
}
