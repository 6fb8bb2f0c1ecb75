// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package synthxex

import (
	"crypto/sha1"
	"os"
	"testing"
)

func buildMappedFixture(t *testing.T, opts fixtureOpts) (*PEImage, *os.File) {
	t.Helper()
	path := writeFixturePE(t, opts)

	pe, err := OpenPE(path, false)
	if err != nil {
		t.Fatalf("OpenPE: %v", err)
	}
	t.Cleanup(func() { pe.Close() })

	basefilePath := path + ".basefile"
	basefile, err := os.OpenFile(basefilePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		t.Fatalf("open basefile: %v", err)
	}
	t.Cleanup(func() { os.Remove(basefilePath); basefile.Close() })

	if err := pe.mapToBasefile(basefile); err != nil {
		t.Fatalf("mapToBasefile: %v", err)
	}
	return pe, basefile
}

// TestBuildSecurityInfoHeaderSize verifies that HeaderSize is
// exactly the fixed security-info header plus one 24-byte descriptor per
// page of the basefile.
func TestBuildSecurityInfoHeaderSize(t *testing.T) {
	pe, basefile := buildMappedFixture(t, oneSectionOpts())

	sec, err := pe.buildSecurityInfo(basefile)
	if err != nil {
		t.Fatalf("buildSecurityInfo: %v", err)
	}

	wantCount := pe.Size / pe.PageSize
	if sec.PageDescCount != wantCount {
		t.Errorf("PageDescCount = %d, want %d", sec.PageDescCount, wantCount)
	}
	wantHeaderSize := wantCount*pageDescEntrySize + secInfoFixedSize
	if sec.HeaderSize != wantHeaderSize {
		t.Errorf("HeaderSize = 0x%x, want 0x%x", sec.HeaderSize, wantHeaderSize)
	}
	if len(sec.Descriptors) != int(wantCount) {
		t.Fatalf("len(Descriptors) = %d, want %d", len(sec.Descriptors), wantCount)
	}
}

// TestPageHashChainFold verifies that the descriptor array links
// each page to the page below it (sha1[i-1] = SHA1(page[i] || be32(info[i])
// || sha1[i])), the top descriptor's own hash is zero, and the chain root
// (imageSha1) folds in page 0 with descriptor 0's stored hash.
func TestPageHashChainFold(t *testing.T) {
	pe, basefile := buildMappedFixture(t, oneSectionOpts())

	sec, err := pe.buildSecurityInfo(basefile)
	if err != nil {
		t.Fatalf("buildSecurityInfo: %v", err)
	}

	n := len(sec.Descriptors)
	if n < 2 {
		t.Fatalf("need at least 2 pages for this test, got %d", n)
	}

	var zero [20]byte
	if sec.Descriptors[n-1].SHA1 != zero {
		t.Errorf("top descriptor SHA1 = %x, want all-zero", sec.Descriptors[n-1].SHA1)
	}

	for i := n - 1; i >= 0; i-- {
		page := make([]byte, pe.PageSize)
		if _, err := basefile.ReadAt(page, int64(i)*int64(pe.PageSize)); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		var infoBE [4]byte
		beUint32(infoBE[:], sec.Descriptors[i].SizeAndInfo)

		next := sec.Descriptors[i].SHA1

		h := sha1.New()
		h.Write(page)
		h.Write(infoBE[:])
		h.Write(next[:])
		want := h.Sum(nil)

		var got [20]byte
		if i == 0 {
			got = sec.ImageSHA1
		} else {
			got = sec.Descriptors[i-1].SHA1
		}
		if string(got[:]) != string(want) {
			t.Errorf("hash chain link at i=%d mismatch", i)
		}
	}
}

func beUint32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func TestBuildSecurityInfoRejectsUnalignedSize(t *testing.T) {
	opts := oneSectionOpts()
	pe, basefile := buildMappedFixture(t, opts)

	pe.Size-- // break the page-size invariant mapToBasefile otherwise guarantees

	if _, err := pe.buildSecurityInfo(basefile); err == nil {
		t.Fatal("buildSecurityInfo: want error for unaligned size, got nil")
	}
}
