// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package zaptimestamp

import "testing"

func TestNewGUIDFromDigestTakesFirst16Bytes(t *testing.T) {
	digest := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10,
		0xFF, 0xFF, // extra bytes beyond a 16-byte GUID, ignored
	}
	g := NewGUIDFromDigest(digest)
	for i := 0; i < 16; i++ {
		if g[i] != digest[i] {
			t.Fatalf("g[%d] = %x, want %x", i, g[i], digest[i])
		}
	}
}

func TestGUIDStringFormat(t *testing.T) {
	g := GUID{0x67, 0x45, 0x23, 0x01, 0xAB, 0x89, 0xEF, 0xCD, 1, 2, 3, 4, 5, 6, 7, 8}
	want := "01234567-89AB-CDEF-0102-030405060708"
	if got := g.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestGUIDEqual(t *testing.T) {
	a := GUID{1, 2, 3}
	b := GUID{1, 2, 3}
	c := GUID{1, 2, 4}
	if !a.Equal(b) {
		t.Error("expected equal GUIDs to compare equal")
	}
	if a.Equal(c) {
		t.Error("expected differing GUIDs to compare unequal")
	}
}
