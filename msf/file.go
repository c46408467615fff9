// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package msf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// File is an MSF container held fully in memory: every stream's bytes
// are read up front rather than addressed through the block layout on
// every access, since PDBs this tool normalizes are modest in size and
// every stream it touches needs to be rewritten anyway.
type File struct {
	blockSize uint32
	streams   [][]byte // nil entry means an unused/deleted stream
}

// New builds a File directly from a set of stream contents, without
// going through a container on disk. A nil entry marks an unused
// stream slot. Used both by callers assembling a PDB from scratch and
// by tests that need a File without a real MSF fixture.
func New(blockSize uint32, streams [][]byte) *File {
	streamsCopy := make([][]byte, len(streams))
	for i, s := range streams {
		if s != nil {
			streamsCopy[i] = cloneBytes(s)
		}
	}
	return &File{blockSize: blockSize, streams: streamsCopy}
}

// Open reads path as an MSF container and loads every stream into
// memory.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("msf: opening %s: %w", path, err)
	}
	defer f.Close()

	sb, err := readSuperBlock(f)
	if err != nil {
		return nil, err
	}

	blockMapOff := int64(sb.BlockMapAddr) * int64(sb.BlockSize)
	numDirBlocks := sb.NumDirectoryBlocks()
	blockMap := make([]uint32, numDirBlocks)
	if _, err := f.Seek(blockMapOff, io.SeekStart); err != nil {
		return nil, fmt.Errorf("msf: seeking to block map: %w", err)
	}
	if err := binary.Read(f, binary.LittleEndian, blockMap); err != nil {
		return nil, fmt.Errorf("msf: reading block map: %w", err)
	}

	dirData := make([]byte, sb.NumDirectoryBytes)
	if err := readBlocks(f, sb.BlockSize, blockMap, dirData); err != nil {
		return nil, fmt.Errorf("msf: reading stream directory: %w", err)
	}

	streamSizes, streamBlocks, err := parseDirectory(dirData, sb.BlockSize)
	if err != nil {
		return nil, err
	}

	streams := make([][]byte, len(streamSizes))
	for i, size := range streamSizes {
		if size == 0xFFFFFFFF {
			continue
		}
		data := make([]byte, size)
		if err := readBlocks(f, sb.BlockSize, streamBlocks[i], data); err != nil {
			return nil, fmt.Errorf("msf: reading stream %d: %w", i, err)
		}
		streams[i] = data
	}

	return &File{blockSize: sb.BlockSize, streams: streams}, nil
}

// readBlocks fills dst by concatenating the file's blocks named by
// blocks, in order, truncating the final block to whatever is left of
// dst.
func readBlocks(r io.ReaderAt, blockSize uint32, blocks []uint32, dst []byte) error {
	off := 0
	for _, b := range blocks {
		n := int(blockSize)
		if off+n > len(dst) {
			n = len(dst) - off
		}
		if n <= 0 {
			break
		}
		if _, err := r.ReadAt(dst[off:off+n], int64(b)*int64(blockSize)); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func parseDirectory(data []byte, blockSize uint32) (sizes []uint32, blockLists [][]uint32, err error) {
	r := bytes.NewReader(data)

	var numStreams uint32
	if err := binary.Read(r, binary.LittleEndian, &numStreams); err != nil {
		return nil, nil, fmt.Errorf("%w: reading stream count: %v", ErrMalformed, err)
	}

	sizes = make([]uint32, numStreams)
	for i := range sizes {
		if err := binary.Read(r, binary.LittleEndian, &sizes[i]); err != nil {
			return nil, nil, fmt.Errorf("%w: reading stream size %d: %v", ErrMalformed, i, err)
		}
	}

	blockLists = make([][]uint32, numStreams)
	for i, size := range sizes {
		if size == 0xFFFFFFFF {
			continue
		}
		numBlocks := numBlocksFor(size, blockSize)
		blocks := make([]uint32, numBlocks)
		if err := binary.Read(r, binary.LittleEndian, blocks); err != nil {
			return nil, nil, fmt.Errorf("%w: reading block list for stream %d: %v", ErrMalformed, i, err)
		}
		blockLists[i] = blocks
	}

	return sizes, blockLists, nil
}

// NumStreams returns the number of stream slots in the directory,
// including any unused ones.
func (f *File) NumStreams() int { return len(f.streams) }

// Stream returns a copy of stream index's bytes, or ErrStreamIndex if
// index is out of range. A nil result with a nil error means the
// stream slot exists but is unused.
func (f *File) Stream(index int) ([]byte, error) {
	if index < 0 || index >= len(f.streams) {
		return nil, fmt.Errorf("%w: %d", ErrStreamIndex, index)
	}
	if f.streams[index] == nil {
		return nil, nil
	}
	return cloneBytes(f.streams[index]), nil
}

// ReplaceStream overwrites stream index's contents with data. The
// stream's size may change; the writer recomputes block allocation
// from scratch on Save. Passing a nil data marks the stream unused;
// pass a non-nil empty slice to record a present-but-empty stream.
func (f *File) ReplaceStream(index int, data []byte) error {
	if index < 0 || index >= len(f.streams) {
		return fmt.Errorf("%w: %d", ErrStreamIndex, index)
	}
	if data == nil {
		f.streams[index] = nil
		return nil
	}
	f.streams[index] = cloneBytes(data)
	return nil
}

// cloneBytes copies b, preserving non-nilness for a zero-length input.
func cloneBytes(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

// BlockSize returns the container's block size, preserved from the
// file that was opened so Save reproduces the same layout granularity.
func (f *File) BlockSize() uint32 { return f.blockSize }
