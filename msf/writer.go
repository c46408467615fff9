// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package msf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// Save serializes f as a fresh MSF container written to path, with
// block allocation and the stream directory rebuilt from the current
// stream contents. Unlike the container f was loaded from, the result
// is not required to reuse the same block numbers: only the directory
// and stream bytes need to round-trip.
func Save(f *File, path string) error {
	blockSize := f.blockSize
	if blockSize == 0 {
		blockSize = 4096
	}

	var body bytes.Buffer // everything after the superblock and free block maps

	// Block 0 is the superblock, blocks 1 and 2 are the free block maps.
	nextBlock := uint32(3)

	streamBlocks := make([][]uint32, len(f.streams))
	streamSizes := make([]uint32, len(f.streams))

	writeBlocks := func(data []byte) []uint32 {
		if data == nil {
			return nil
		}
		var blocks []uint32
		for off := 0; off < len(data); off += int(blockSize) {
			end := off + int(blockSize)
			if end > len(data) {
				end = len(data)
			}
			chunk := data[off:end]
			padded := make([]byte, blockSize)
			copy(padded, chunk)
			body.Write(padded)
			blocks = append(blocks, nextBlock)
			nextBlock++
		}
		return blocks
	}

	for i, data := range f.streams {
		if data == nil {
			streamSizes[i] = 0xFFFFFFFF
			continue
		}
		streamSizes[i] = uint32(len(data))
		streamBlocks[i] = writeBlocks(data)
	}

	dir := new(bytes.Buffer)
	binary.Write(dir, binary.LittleEndian, uint32(len(f.streams)))
	for _, size := range streamSizes {
		binary.Write(dir, binary.LittleEndian, size)
	}
	for _, blocks := range streamBlocks {
		binary.Write(dir, binary.LittleEndian, blocks)
	}

	dirBlocks := writeBlocks(dir.Bytes())
	if len(dirBlocks)*4 > int(blockSize) {
		return fmt.Errorf("msf: stream directory needs %d block-map entries, more than fit in one block", len(dirBlocks))
	}

	blockMap := new(bytes.Buffer)
	binary.Write(blockMap, binary.LittleEndian, dirBlocks)
	blockMapAddr := nextBlock
	blockMapPadded := make([]byte, blockSize)
	copy(blockMapPadded, blockMap.Bytes())
	body.Write(blockMapPadded)
	nextBlock++

	totalBlocks := nextBlock

	sb := SuperBlock{
		BlockSize:         blockSize,
		FreeBlockMapBlock: 1,
		NumBlocks:         totalBlocks,
		NumDirectoryBytes: uint32(dir.Len()),
		BlockMapAddr:      blockMapAddr,
	}
	copy(sb.Magic[:], magic)

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("msf: creating %s: %w", path, err)
	}
	defer out.Close()

	header := new(bytes.Buffer)
	header.Write(sb.Magic[:])
	binary.Write(header, binary.LittleEndian, sb.BlockSize)
	binary.Write(header, binary.LittleEndian, sb.FreeBlockMapBlock)
	binary.Write(header, binary.LittleEndian, sb.NumBlocks)
	binary.Write(header, binary.LittleEndian, sb.NumDirectoryBytes)
	binary.Write(header, binary.LittleEndian, sb.Unknown)
	binary.Write(header, binary.LittleEndian, sb.BlockMapAddr)
	headerPadded := make([]byte, blockSize)
	copy(headerPadded, header.Bytes())

	// Blocks 1 and 2 (the free block maps) are reserved but their
	// contents don't matter to a reader that never allocates new space;
	// they're written as zero blocks to keep the layout contiguous.
	reserved := make([]byte, 2*int(blockSize))

	if _, err := out.Write(headerPadded); err != nil {
		return fmt.Errorf("%w: writing superblock: %v", ErrIO, err)
	}
	if _, err := out.Write(reserved); err != nil {
		return fmt.Errorf("%w: writing free block maps: %v", ErrIO, err)
	}
	if _, err := out.Write(body.Bytes()); err != nil {
		return fmt.Errorf("%w: writing stream data: %v", ErrIO, err)
	}

	return nil
}
