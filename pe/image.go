// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	dpe "debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// ErrInvalidImage is returned when a file's headers do not describe a
// well-formed PE image.
var ErrInvalidImage = errors.New("pe: invalid or unsupported image")

const (
	maxNumSections    = 96
	offsetPeSignature = 4 // bytes of "PE\x00\x00" following e_lfanew
)

// readStruct reads sizeof(T) bytes at the given file offset and returns
// them reinterpreted as *T. It mirrors the unsafe-cast technique used
// throughout this package's ancestor: rather than hand-writing a field
// decoder for every fixed-layout structure, the byte buffer backing the
// read is reinterpreted directly, relying on Go's struct layout rules
// matching the wire layout field-for-field.
func readStruct[T any, O constraints.Integer](r io.ReaderAt, off O) (*T, error) {
	var zero T
	szT := unsafe.Sizeof(zero)
	buf := make([]byte, szT)
	n, err := r.ReadAt(buf, int64(off))
	if err != nil && err != io.EOF {
		return nil, err
	}
	if uintptr(n) != szT {
		return nil, ErrInvalidImage
	}
	return (*T)(unsafe.Pointer(&buf[0])), nil
}

func readStructArray[T any, O constraints.Integer](r io.ReaderAt, off O, count int) ([]T, error) {
	if count == 0 {
		return nil, nil
	}
	var zero T
	szT := unsafe.Sizeof(zero)
	buf := make([]byte, szT*uintptr(count))
	n, err := r.ReadAt(buf, int64(off))
	if err != nil && err != io.EOF {
		return nil, err
	}
	if uintptr(n) != szT*uintptr(count) {
		return nil, ErrInvalidImage
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), count), nil
}

// Image is a read-only structural view of a PE file on disk. It parses
// just enough of the headers (DOS stub, COFF file header, optional
// header, section table, data directories) to support RVA/file-offset
// translation and directory lookup; it never maps the file for
// execution and never assumes it is a loaded module.
type Image struct {
	f *os.File

	fileHeaderOffset     FileOffset
	fileHeader           FileHeader
	optionalHeaderOffset FileOffset
	magic                uint16
	checksumOffset       FileOffset
	dataDirectoryOffset  FileOffset
	dataDirectory        []DataDirectory
	sections             []SectionHeader
	sectionTableOffset   FileOffset
	size                 int64
}

// Open parses the PE headers of the file at path. The returned Image
// keeps the file open for subsequent reads; call Close when done.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	im, err := newImage(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return im, nil
}

func newImage(f *os.File) (*Image, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var mz [2]byte
	if _, err := f.ReadAt(mz[:], 0); err != nil {
		return nil, fmt.Errorf("reading DOS signature: %w", err)
	}
	if mz[0] != 'M' || mz[1] != 'Z' {
		return nil, fmt.Errorf("%w: missing MZ signature", ErrInvalidImage)
	}

	var elfanew int32
	elfanewBuf := make([]byte, 4)
	if _, err := f.ReadAt(elfanewBuf, offsetDOSHeaderELfanew); err != nil {
		return nil, fmt.Errorf("reading e_lfanew: %w", err)
	}
	elfanew = int32(binary.LittleEndian.Uint32(elfanewBuf))
	if elfanew <= 0 || int64(elfanew) >= fi.Size() {
		return nil, fmt.Errorf("%w: e_lfanew out of range", ErrInvalidImage)
	}

	var peMagic [4]byte
	if _, err := f.ReadAt(peMagic[:], int64(elfanew)); err != nil {
		return nil, fmt.Errorf("reading PE signature: %w", err)
	}
	if peMagic[0] != 'P' || peMagic[1] != 'E' || peMagic[2] != 0 || peMagic[3] != 0 {
		return nil, fmt.Errorf("%w: missing PE signature", ErrInvalidImage)
	}

	fileHeaderOffset := FileOffset(elfanew) + offsetPeSignature
	fileHeader, err := readStruct[FileHeader](f, fileHeaderOffset)
	if err != nil {
		return nil, fmt.Errorf("reading COFF file header: %w", err)
	}

	optionalHeaderOffset := fileHeaderOffset + FileOffset(unsafe.Sizeof(FileHeader{}))

	var magicBuf [2]byte
	if _, err := f.ReadAt(magicBuf[:], int64(optionalHeaderOffset)); err != nil {
		return nil, fmt.Errorf("reading optional header magic: %w", err)
	}
	magic := binary.LittleEndian.Uint16(magicBuf[:])

	var numRvaAndSizes uint32
	var checksumOffset, ddOffset FileOffset

	switch magic {
	case optionalHdrMagicPE32:
		oh, err := readStruct[dpe.OptionalHeader32](f, optionalHeaderOffset)
		if err != nil {
			return nil, fmt.Errorf("reading PE32 optional header: %w", err)
		}
		numRvaAndSizes = oh.NumberOfRvaAndSizes
		checksumOffset = optionalHeaderOffset + FileOffset(unsafe.Offsetof(oh.CheckSum))
		ddOffset = optionalHeaderOffset + FileOffset(unsafe.Offsetof(oh.DataDirectory))
	case optionalHdrMagicPE32P:
		oh, err := readStruct[dpe.OptionalHeader64](f, optionalHeaderOffset)
		if err != nil {
			return nil, fmt.Errorf("reading PE32+ optional header: %w", err)
		}
		numRvaAndSizes = oh.NumberOfRvaAndSizes
		checksumOffset = optionalHeaderOffset + FileOffset(unsafe.Offsetof(oh.CheckSum))
		ddOffset = optionalHeaderOffset + FileOffset(unsafe.Offsetof(oh.DataDirectory))
	default:
		return nil, fmt.Errorf("%w: unrecognized optional header magic 0x%04X", ErrInvalidImage, magic)
	}

	if numRvaAndSizes > numDataDirectories {
		numRvaAndSizes = numDataDirectories
	}
	dataDirectory, err := readStructArray[DataDirectory](f, ddOffset, int(numRvaAndSizes))
	if err != nil {
		return nil, fmt.Errorf("reading data directories: %w", err)
	}

	numSections := fileHeader.NumberOfSections
	if numSections > maxNumSections {
		numSections = maxNumSections
	}
	sectionTableOffset := optionalHeaderOffset + FileOffset(fileHeader.SizeOfOptionalHeader)
	sections, err := readStructArray[SectionHeader](f, sectionTableOffset, int(numSections))
	if err != nil {
		return nil, fmt.Errorf("reading section table: %w", err)
	}

	return &Image{
		f:                    f,
		fileHeaderOffset:     fileHeaderOffset,
		fileHeader:           *fileHeader,
		optionalHeaderOffset: optionalHeaderOffset,
		magic:                magic,
		checksumOffset:       checksumOffset,
		dataDirectoryOffset:  ddOffset,
		dataDirectory:        dataDirectory,
		sections:             sections,
		sectionTableOffset:   sectionTableOffset,
		size:                 fi.Size(),
	}, nil
}

// Close closes the underlying file.
func (im *Image) Close() error { return im.f.Close() }

// File returns the underlying open file, for callers (such as the
// mini-decomposer) that need raw ReadAt access alongside the parsed
// header fields.
func (im *Image) File() *os.File { return im.f }

// Size returns the total size of the image file in bytes.
func (im *Image) Size() int64 { return im.size }

// FileHeader returns the parsed COFF file header.
func (im *Image) FileHeader() FileHeader { return im.fileHeader }

// FileHeaderOffset returns the file offset of the COFF file header,
// used by the field marker to locate the volatile TimeDateStamp field.
func (im *Image) FileHeaderOffset() FileOffset { return im.fileHeaderOffset }

// Is64Bit reports whether the image uses the PE32+ optional header layout.
func (im *Image) Is64Bit() bool { return im.magic == optionalHdrMagicPE32P }

// ChecksumFileOffset returns the file offset of the optional header's
// CheckSum field.
func (im *Image) ChecksumFileOffset() FileOffset { return im.checksumOffset }

// DataDirectoryOffset returns the file offset of the first entry of the
// optional header's data directory array.
func (im *Image) DataDirectoryOffset() FileOffset { return im.dataDirectoryOffset }

// Sections returns the image's section headers, in file order.
func (im *Image) Sections() []SectionHeader { return im.sections }

// SectionTableOffset returns the file offset of the first section header.
func (im *Image) SectionTableOffset() FileOffset { return im.sectionTableOffset }

// DataDirectory returns the data directory entry at idx (one of the
// DirectoryEntry* constants), and whether it is present (non-zero
// VirtualAddress and Size) in the image.
func (im *Image) DataDirectory(idx int) (DataDirectory, bool) {
	if idx < 0 || idx >= len(im.dataDirectory) {
		return DataDirectory{}, false
	}
	dd := im.dataDirectory[idx]
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return DataDirectory{}, false
	}
	return dd, true
}

// RVAToFileOffset translates a relative virtual address to a file
// offset by locating the section whose virtual address range contains
// rva, then applying that section's virtual-to-raw delta. It returns
// false if rva does not fall within any section, or falls within a
// section's virtual size but past its raw data (e.g. uninitialized
// .bss-like tail).
func (im *Image) RVAToFileOffset(rva RVA) (FileOffset, bool) {
	urva := uint32(rva)
	for _, s := range im.sections {
		if urva < s.VirtualAddress || urva >= s.VirtualAddress+s.VirtualSize {
			continue
		}
		voff := urva - s.VirtualAddress
		if voff >= s.SizeOfRawData {
			return 0, false
		}
		return FileOffset(s.PointerToRawData + voff), true
	}
	return 0, false
}

// ReadAt reads len(p) bytes from the image file starting at the given
// file offset. It satisfies io.ReaderAt so the image can be handed
// directly to helpers that only need raw byte access.
func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	return im.f.ReadAt(p, off)
}
