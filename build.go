// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import (
	"os"

	"github.com/openxechain/synthxex/internal/log"
)

// Options configures a Build run. The zero value uses the PE's own
// machine ID, derives module flags from the PE, and logs errors only.
type Options struct {
	// SkipMachineCheck disables the COFF machine-ID check (the -s flag).
	SkipMachineCheck bool

	// ModuleTypeOverride replaces the derived module flags entirely (the
	// -t flag). ModuleDefault leaves the derivation in place.
	ModuleTypeOverride ModuleType

	// Logger receives progress and error messages. A filtered stderr
	// logger is used if nil.
	Logger log.Logger
}

func (o Options) helper() *log.Helper {
	if o.Logger == nil {
		return log.DefaultHelper()
	}
	return log.NewHelper(o.Logger)
}

// Build runs the full PE-to-XEX2 pipeline: it opens pePath, validates and
// parses it, writes the basefile side file at xexPath+".basefile", and
// writes the finished XEX container to xexPath. On any failure it
// releases every open handle before returning; no partial output is
// considered valid.
func Build(pePath, xexPath string, opts Options) error {
	const op = "Build"
	logger := opts.helper()

	logger.Infof("opening %s", pePath)
	pe, err := OpenPE(pePath, opts.SkipMachineCheck)
	if err != nil {
		return err
	}
	defer pe.Close()

	basefilePath := xexPath + ".basefile"
	basefile, err := os.OpenFile(basefilePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return wrapErr(op, KindFileOpen, err)
	}
	defer basefile.Close()

	xexFile, err := os.OpenFile(xexPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return wrapErr(op, KindFileOpen, err)
	}
	defer xexFile.Close()

	logger.Infof("mapping PE into basefile, %d import tables, %d branch stubs located",
		len(pe.ImportTables), pe.BranchStubCount)
	if err := pe.mapToBasefile(basefile); err != nil {
		return err
	}

	sec, err := pe.buildSecurityInfo(basefile)
	if err != nil {
		return err
	}

	basefileFormatBody := buildBasefileFormatBody(pe.Size)
	tlsInfoBody := buildTLSInfoBody()

	importLibrariesBody, importTableSHA1, err := pe.buildImportLibraries()
	if err != nil {
		return err
	}
	sec.ImportTableCount = uint32(len(pe.ImportTables))
	sec.ImportTableSHA1 = importTableSHA1

	entryPointValue := pe.BaseAddr + pe.EntryPointRVA
	layout := pe.place(sec, basefileFormatBody, importLibrariesBody, tlsInfoBody, entryPointValue)
	moduleFlags := pe.moduleFlags(opts.ModuleTypeOverride)

	logger.Infof("writing %s: peOffset=0x%x secInfoOffset=0x%x pageDescCount=%d",
		xexPath, layout.PEOffset, layout.SecInfoOffset, sec.PageDescCount)
	if err := pe.write(xexFile, basefile, sec, layout, moduleFlags, basefileFormatBody, importLibrariesBody, tlsInfoBody); err != nil {
		return err
	}

	if err := pe.writeHeaderHash(xexFile, layout.SecInfoOffset, layout.PEOffset); err != nil {
		return err
	}

	logger.Infof("done")
	return nil
}
