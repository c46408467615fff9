// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package msf implements Microsoft's Multi-Stream Format container: the
// block-addressed, directory-indexed file layout that a PDB is built
// on top of. Unlike a read-only MSF parser, this package also knows
// how to serialize a File back out, since normalizing a PDB's volatile
// fields requires rewriting several of its streams.
package msf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// magic is the MSF 7.00 container signature every PDB starts with.
var magic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// SuperBlock is the fixed-size header at the start of every MSF file.
type SuperBlock struct {
	Magic             [32]byte
	BlockSize         uint32
	FreeBlockMapBlock uint32
	NumBlocks         uint32
	NumDirectoryBytes uint32
	Unknown           uint32
	BlockMapAddr      uint32
}

// SuperBlockSize is the on-disk size of SuperBlock.
const SuperBlockSize = 56

// ValidBlockSizes lists the block sizes an MSF container may declare.
var ValidBlockSizes = []uint32{512, 1024, 2048, 4096}

func readSuperBlock(r io.Reader) (*SuperBlock, error) {
	var sb SuperBlock
	if _, err := io.ReadFull(r, sb.Magic[:]); err != nil {
		return nil, fmt.Errorf("msf: reading magic: %w", err)
	}
	if !bytes.Equal(sb.Magic[:], magic) {
		return nil, fmt.Errorf("%w: bad MSF magic", ErrMalformed)
	}
	fields := []*uint32{&sb.BlockSize, &sb.FreeBlockMapBlock, &sb.NumBlocks, &sb.NumDirectoryBytes, &sb.Unknown, &sb.BlockMapAddr}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("msf: reading superblock: %w", err)
		}
	}
	if !isValidBlockSize(sb.BlockSize) {
		return nil, fmt.Errorf("%w: invalid block size %d", ErrMalformed, sb.BlockSize)
	}
	if sb.FreeBlockMapBlock != 1 && sb.FreeBlockMapBlock != 2 {
		return nil, fmt.Errorf("%w: invalid free block map index %d", ErrMalformed, sb.FreeBlockMapBlock)
	}
	return &sb, nil
}

// NumDirectoryBlocks returns the number of blocks the stream directory
// itself occupies.
func (sb *SuperBlock) NumDirectoryBlocks() uint32 {
	return numBlocksFor(sb.NumDirectoryBytes, sb.BlockSize)
}

func numBlocksFor(size, blockSize uint32) uint32 {
	return (size + blockSize - 1) / blockSize
}

func isValidBlockSize(size uint32) bool {
	for _, v := range ValidBlockSizes {
		if size == v {
			return true
		}
	}
	return false
}
