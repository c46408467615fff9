// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !windows

package winfs

import (
	"fmt"
	"os"
)

// UpdateFileChecksum recomputes path's PE checksum using the documented
// word-sum-plus-carry algorithm (the same one MapFileAndCheckSumW
// implements internally) since imagehlp.dll isn't available off
// Windows, then stamps the 4 bytes at checksumOffset with the result.
// The bytes already at checksumOffset are excluded from the sum
// regardless of their value, so this is safe to call repeatedly.
func UpdateFileChecksum(path string, checksumOffset int64) error {
	sum, err := computePortableChecksum(path, checksumOffset)
	if err != nil {
		return err
	}
	return writeChecksum(path, checksumOffset, sum)
}

func computePortableChecksum(path string, checksumOffset int64) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("winfs: opening %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("winfs: statting %s: %w", path, err)
	}
	size := fi.Size()

	buf := make([]byte, 4096)
	var sum uint64
	var off int64
	for off < size {
		n, err := f.ReadAt(buf, off)
		if n == 0 && err != nil {
			return 0, fmt.Errorf("winfs: reading %s: %w", path, err)
		}
		chunk := buf[:n]
		for i := 0; i+1 < len(chunk); i += 2 {
			pos := off + int64(i)
			if pos == checksumOffset || pos == checksumOffset+2 {
				// The checksum field itself reads as zero.
				continue
			}
			word := uint16(chunk[i]) | uint16(chunk[i+1])<<8
			sum += uint64(word)
			sum = (sum & 0xFFFF) + (sum >> 16)
		}
		if len(chunk)%2 == 1 {
			sum += uint64(chunk[len(chunk)-1])
			sum = (sum & 0xFFFF) + (sum >> 16)
		}
		off += int64(n)
	}
	sum = (sum & 0xFFFF) + (sum >> 16)
	sum = (sum & 0xFFFF) + (sum >> 16)

	return uint32(sum) + uint32(size), nil
}
