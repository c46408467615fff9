// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package guid

import (
	"bytes"
	"crypto/md5"
	"errors"
	"io"
	"testing"

	"github.com/syzytools/zaptimestamp/patch"
)

// shortReaderAt returns fewer bytes than requested once reads pass
// truncateAt, simulating a source that goes missing partway through
// without necessarily reporting io.EOF.
type shortReaderAt struct {
	data       []byte
	truncateAt int64
	eofOnShort bool
}

func (s shortReaderAt) ReadAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	if end > s.truncateAt {
		end = s.truncateAt
	}
	n := int(end - off)
	if n < 0 {
		n = 0
	}
	copy(p, s.data[off:off+int64(n)])
	if n < len(p) {
		if s.eofOnShort {
			return n, io.EOF
		}
		return n, nil
	}
	return n, nil
}

func TestSumNoMasking(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 1000)
	r := bytes.NewReader(data)

	got, err := Sum(r, int64(len(data)), patch.New())
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	want := md5.Sum(data)
	if !bytes.Equal(got, want[:]) {
		t.Errorf("Sum() = %x, want %x", got, want)
	}
}

func TestSumSkipsMaskedRange(t *testing.T) {
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}

	space := patch.New()
	if err := space.Insert(patch.Range{Start: 50, Size: 20}, nil, "volatile"); err != nil {
		t.Fatal(err)
	}

	got, err := Sum(bytes.NewReader(data), int64(len(data)), space)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}

	var expected bytes.Buffer
	expected.Write(data[:50])
	expected.Write(data[70:])
	want := md5.Sum(expected.Bytes())

	if !bytes.Equal(got, want[:]) {
		t.Errorf("Sum() = %x, want %x", got, want)
	}
}

func TestSumIsStableAcrossReplacementBytes(t *testing.T) {
	// The whole point of masking is that a range's replacement bytes
	// must not affect the derived hash, since the replacement itself is
	// sometimes derived from the hash (the PDB GUID).
	base := make([]byte, 100)
	patched := make([]byte, 100)
	copy(patched, base)
	for i := 40; i < 60; i++ {
		patched[i] = 0xFF
	}

	space := patch.New()
	if err := space.Insert(patch.Range{Start: 40, Size: 20}, nil, "volatile"); err != nil {
		t.Fatal(err)
	}

	sum1, err := Sum(bytes.NewReader(base), int64(len(base)), space)
	if err != nil {
		t.Fatal(err)
	}
	sum2, err := Sum(bytes.NewReader(patched), int64(len(patched)), space)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sum1, sum2) {
		t.Errorf("hash changed despite masking the differing range: %x != %x", sum1, sum2)
	}
}

func TestSumFailsOnShortReadWithEOF(t *testing.T) {
	r := shortReaderAt{data: bytes.Repeat([]byte{0x11}, 100), truncateAt: 40, eofOnShort: true}
	_, err := Sum(r, 100, patch.New())
	if err == nil {
		t.Fatal("Sum: expected error on short read, got nil")
	}
	if !errors.Is(err, ErrIO) {
		t.Errorf("Sum error = %v, want wrapping ErrIO", err)
	}
}

func TestSumFailsOnShortReadWithNilError(t *testing.T) {
	// A reader that under-fills the buffer without reporting any error
	// at all violates io.ReaderAt's contract, but Sum must still refuse
	// to hash the partially-filled chunk rather than trust its length.
	r := shortReaderAt{data: bytes.Repeat([]byte{0x22}, 100), truncateAt: 40, eofOnShort: false}
	_, err := Sum(r, 100, patch.New())
	if err == nil {
		t.Fatal("Sum: expected error on short read, got nil")
	}
	if !errors.Is(err, ErrIO) {
		t.Errorf("Sum error = %v, want wrapping ErrIO", err)
	}
}

func TestSumCrossesChunkBoundary(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, chunkSize+100)
	space := patch.New()
	if err := space.Insert(patch.Range{Start: uint32(chunkSize - 10), Size: 20}, nil, "boundary"); err != nil {
		t.Fatal(err)
	}

	got, err := Sum(bytes.NewReader(data), int64(len(data)), space)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}

	var expected bytes.Buffer
	expected.Write(data[:chunkSize-10])
	expected.Write(data[chunkSize+10:])
	want := md5.Sum(expected.Bytes())
	if !bytes.Equal(got, want[:]) {
		t.Errorf("Sum() = %x, want %x", got, want)
	}
}
