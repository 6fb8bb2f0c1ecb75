// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import "os"

// Fuzz exercises the PE validator and parser over arbitrary bytes. It
// never runs the mapper or writer: a PE that merely parses does not
// imply the rest of the pipeline can build a valid XEX from it.
func Fuzz(data []byte) int {
	f, err := os.CreateTemp("", "synthxex-fuzz-*.pe")
	if err != nil {
		return 0
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return 0
	}

	pe, err := OpenPE(f.Name(), false)
	if err != nil {
		return 0
	}
	defer pe.Close()

	return 1
}
