// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import "fmt"

// Kind identifies one of the ten failure classes the pipeline can raise.
// A Kind never changes meaning between releases; code that switches on it
// is safe to keep across upgrades.
type Kind int

const (
	// KindUnknownDataRequest signals a broken internal invariant, such as
	// the security-info header serialising to an unexpected size. Seeing
	// this is a bug.
	KindUnknownDataRequest Kind = iota + 1

	// KindMissingSectionFlag signals a PE section with none of
	// EXECUTE/WRITE/READ/DISCARDABLE set, so it cannot be mapped to an XEX
	// page permission.
	KindMissingSectionFlag

	// KindFileOpen signals that the input, basefile, or output could not
	// be opened.
	KindFileOpen

	// KindFileRead signals a short read or failed seek on any stream. The
	// PE validator also reports an input that is not an Xbox 360 PE under
	// this Kind.
	KindFileRead

	// KindFileWrite signals a short write on the basefile or output.
	KindFileWrite

	// KindOutOfMemory signals an allocation failure.
	KindOutOfMemory

	// KindUnsupportedStructure signals a PE-TLS directory, an
	// import-by-name entry, an import library name outside the three
	// known to the loader, an unrecognised module-type override, or a
	// basefile whose size is not a whole number of pages.
	KindUnsupportedStructure

	// KindInvalidRVAOrOffset signals that an RVA-to-offset or
	// offset-to-RVA conversion found no containing section.
	KindInvalidRVAOrOffset

	// KindInvalidImportName signals an import library name that does not
	// parse as lib@B.H+B.H.
	KindInvalidImportName

	// KindDataOverflow signals that a value would not fit its fixed-width
	// field: more import tables than the 8-bit table index embedded in
	// each Xenonified IAT entry can number.
	KindDataOverflow
)

// String renders the Kind the way the CLI reports it.
func (k Kind) String() string {
	switch k {
	case KindUnknownDataRequest:
		return "unknown-data-request"
	case KindMissingSectionFlag:
		return "missing-section-flag"
	case KindFileOpen:
		return "file-open"
	case KindFileRead:
		return "file-read"
	case KindFileWrite:
		return "file-write"
	case KindOutOfMemory:
		return "out-of-mem"
	case KindUnsupportedStructure:
		return "unsupported-structure"
	case KindInvalidRVAOrOffset:
		return "invalid-rva-or-offset"
	case KindInvalidImportName:
		return "invalid-import-name"
	case KindDataOverflow:
		return "data-overflow"
	default:
		return "unknown"
	}
}

// Error wraps a pipeline failure with the Kind of error it is, so callers
// (and the CLI's message sink) can report it without re-deriving the
// classification from error text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr builds an *Error, or returns nil if err is nil, so call sites can
// write `return wrapErr(op, KindFileRead, err)` unconditionally.
func wrapErr(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// newErr builds an *Error with no wrapped cause, for invariant violations
// that aren't themselves errors (e.g. a structural check that just fails).
func newErr(op string, kind Kind, msg string) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf("%s", msg)}
}
