// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package guid derives a deterministic PDB signature from the stable
// bytes of a PE image: an MD5 digest computed over the whole file with
// every masked byte range excluded, so that only build-invariant
// content contributes to the hash.
package guid

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"

	"github.com/syzytools/zaptimestamp/patch"
)

// ErrIO is returned when reading the image being hashed fails or
// returns fewer bytes than requested.
var ErrIO = errors.New("guid: I/O error")

// chunkSize is the amount of file Sum reads per ReadAt; kept small and
// fixed so the deriver never has to hold more than one chunk in memory
// regardless of image size.
const chunkSize = 64 * 1024

// Sum streams r from offset 0 for size bytes into an MD5 digest, using
// masked to skip any byte range that a patch has flagged as build
// volatile. Both replaced bytes and mask-only ranges are excluded: the
// point is to hash only content nothing in this pipeline is about to
// change.
func Sum(r io.ReaderAt, size int64, masked *patch.AddressSpace) ([]byte, error) {
	h := md5.New()
	buf := make([]byte, chunkSize)

	var off int64
	for off < size {
		n := int64(len(buf))
		if size-off < n {
			n = size - off
		}
		chunk := buf[:n]
		read, err := r.ReadAt(chunk, off)
		if read != len(chunk) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("%w: short read at offset %d (%d of %d bytes): %v", ErrIO, off, read, len(chunk), err)
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: reading at offset %d: %v", ErrIO, off, err)
		}
		writeUnmasked(h, chunk, off, masked)
		off += n
	}

	return h.Sum(nil), nil
}

// writeUnmasked feeds chunk into h a byte range at a time, skipping any
// sub-range that masked reports as excluded. Adjacent unmasked bytes
// are coalesced into a single Write so a chunk with no masking at all
// costs exactly one hash update, matching the common case.
func writeUnmasked(h io.Writer, chunk []byte, chunkOff int64, masked *patch.AddressSpace) {
	i := 0
	for i < len(chunk) {
		if masked.Masked(uint32(chunkOff)+uint32(i), 1) {
			i++
			continue
		}
		start := i
		for i < len(chunk) && !masked.Masked(uint32(chunkOff)+uint32(i), 1) {
			i++
		}
		h.Write(chunk[start:i])
	}
}
