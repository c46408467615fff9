// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package mark implements the field marker: it walks a decomposed PE
// image looking for every build-volatile field a deterministic rebuild
// needs to normalize, and records each one as a patch::Range in a
// patch.AddressSpace, either with its replacement value already known
// (timestamps, PDB age) or left for the caller to fill in once it is
// known (the PE checksum, and the PDB GUID once the content hash has
// been computed).
package mark

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/syzytools/zaptimestamp/patch"
	"github.com/syzytools/zaptimestamp/pe"
)

// Patch names. The orchestrator looks these up by name to fill in
// values that are not known until later pipeline stages.
const (
	NamePEChecksum = "PE Checksum"
	NamePDBGUID    = "PDB GUID"
	NamePDBAge     = "PDB Age"
)

// Result is the outcome of marking a single PE image.
type Result struct {
	Space *patch.AddressSpace

	// HasCodeView reports whether a CodeView debug entry was found.
	HasCodeView bool

	// CodeViewGUIDRange and CodeViewAgeRange locate the CV_INFO_PDB70
	// signature and age fields, valid only if HasCodeView is true.
	CodeViewGUIDRange patch.Range
	CodeViewAgeRange  patch.Range

	// CodeViewPathOffset is the file offset of the NUL-terminated PDB
	// path string trailing the CV_INFO_PDB70 record, valid only if
	// HasCodeView is true.
	CodeViewPathOffset uint32

	// ChecksumRange locates the optional header's CheckSum field.
	ChecksumRange patch.Range
}

// fieldAddr returns the RVA of a field at the given in-block offset
// within the block at blockIdx.
func fieldAddr(g *pe.BlockGraph, blockIdx, offset int) pe.RVA {
	return g.Block(blockIdx).Addr + pe.RVA(offset)
}

func timestampBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// Mark decomposes im and marks every volatile field it finds. If
// requireCodeView is true (the caller has a PDB to match against) and
// no CodeView entry is found, it returns ErrMissingCodeView. If more
// than one CodeView entry is found, it returns ErrMultipleCodeView
// regardless of requireCodeView.
func Mark(im *pe.Image, timestamp, pdbAge uint32, requireCodeView bool) (*Result, error) {
	layout, err := pe.Decompose(im)
	if err != nil {
		return nil, fmt.Errorf("decomposing image: %w", err)
	}

	space := patch.New()
	tsBytes := timestampBytes(timestamp)

	if err := markFileHeaderTimestamp(im, space, tsBytes); err != nil {
		return nil, err
	}
	if err := markExportTimestamp(im, layout, space, tsBytes); err != nil {
		return nil, err
	}
	if err := markResourceTimestamp(im, layout, space, tsBytes); err != nil {
		return nil, err
	}

	res := &Result{Space: space}
	if err := markDebugDirectory(im, layout, space, tsBytes, pdbAge, res); err != nil {
		return nil, err
	}

	if requireCodeView && !res.HasCodeView {
		return nil, ErrMissingCodeView
	}

	checksumOff := uint32(im.ChecksumFileOffset())
	res.ChecksumRange = patch.Range{Start: checksumOff, Size: 4}
	if err := space.Insert(res.ChecksumRange, nil, NamePEChecksum); err != nil {
		return nil, fmt.Errorf("marking PE checksum: %w", err)
	}

	return res, nil
}

func markFileHeaderTimestamp(im *pe.Image, space *patch.AddressSpace, tsBytes []byte) error {
	fh := im.FileHeader()
	off := uint32(im.FileHeaderOffset()) + uint32(unsafe.Offsetof(fh.TimeDateStamp))
	if err := space.Insert(patch.Range{Start: off, Size: 4}, tsBytes, "PE Timestamp"); err != nil {
		return fmt.Errorf("marking PE timestamp: %w", err)
	}
	return nil
}

func markExportTimestamp(im *pe.Image, layout *pe.ImageLayout, space *patch.AddressSpace, tsBytes []byte) error {
	ntBlock := layout.Blocks.Block(layout.NTHeadersIdx)
	ref, ok := ntBlock.GetReference(layout.DataDirEntryOffset(pe.DirectoryEntryExport))
	if !ok {
		// Not an error: the image has no export directory.
		return nil
	}
	tb, err := pe.NewTypedBlock[pe.ExportDirectory](layout.Blocks, ref.Dest.BlockIndex, ref.Dest.Offset)
	if err != nil {
		return fmt.Errorf("dereferencing export directory: %w", err)
	}
	v := tb.Value()
	if v.TimeDateStamp == 0 {
		return nil
	}
	fieldOff := tb.OffsetOf(unsafe.Offsetof(v.TimeDateStamp))
	fileOff, ok := im.RVAToFileOffset(fieldAddr(layout.Blocks, ref.Dest.BlockIndex, fieldOff))
	if !ok {
		return fmt.Errorf("locating file offset of export directory timestamp")
	}
	if err := space.Insert(patch.Range{Start: uint32(fileOff), Size: 4}, tsBytes, "Export Directory Timestamp"); err != nil {
		return fmt.Errorf("marking export directory timestamp: %w", err)
	}
	return nil
}

func markResourceTimestamp(im *pe.Image, layout *pe.ImageLayout, space *patch.AddressSpace, tsBytes []byte) error {
	ntBlock := layout.Blocks.Block(layout.NTHeadersIdx)
	ref, ok := ntBlock.GetReference(layout.DataDirEntryOffset(pe.DirectoryEntryResource))
	if !ok {
		// Not an error: the image has no resource directory.
		return nil
	}
	tb, err := pe.NewTypedBlock[pe.ResourceDirectory](layout.Blocks, ref.Dest.BlockIndex, ref.Dest.Offset)
	if err != nil {
		return fmt.Errorf("dereferencing resource directory: %w", err)
	}
	v := tb.Value()
	if v.TimeDateStamp == 0 {
		return nil
	}
	fieldOff := tb.OffsetOf(unsafe.Offsetof(v.TimeDateStamp))
	fileOff, ok := im.RVAToFileOffset(fieldAddr(layout.Blocks, ref.Dest.BlockIndex, fieldOff))
	if !ok {
		return fmt.Errorf("locating file offset of resource directory timestamp")
	}
	if err := space.Insert(patch.Range{Start: uint32(fileOff), Size: 4}, tsBytes, "Resource Directory Timestamp"); err != nil {
		return fmt.Errorf("marking resource directory timestamp: %w", err)
	}
	return nil
}

func markDebugDirectory(im *pe.Image, layout *pe.ImageLayout, space *patch.AddressSpace, tsBytes []byte, pdbAge uint32, res *Result) error {
	ntBlock := layout.Blocks.Block(layout.NTHeadersIdx)
	ref, ok := ntBlock.GetReference(layout.DataDirEntryOffset(pe.DirectoryEntryDebug))
	if !ok {
		return nil
	}
	dirBlock := layout.Blocks.Block(ref.Dest.BlockIndex)

	entrySize := int(unsafe.Sizeof(pe.DebugDirectoryEntry{}))
	var cvEntryTB pe.TypedBlock[pe.DebugDirectoryEntry]
	foundCV := false

	for off := ref.Dest.Offset; off+entrySize <= dirBlock.Len(); off += entrySize {
		entryTB, err := pe.NewTypedBlock[pe.DebugDirectoryEntry](layout.Blocks, ref.Dest.BlockIndex, off)
		if err != nil {
			return fmt.Errorf("reading debug directory entry: %w", err)
		}
		entry := entryTB.Value()
		tsFieldOff := entryTB.OffsetOf(unsafe.Offsetof(entry.TimeDateStamp))
		fileOff, ok := im.RVAToFileOffset(fieldAddr(layout.Blocks, ref.Dest.BlockIndex, tsFieldOff))
		if !ok {
			return fmt.Errorf("locating file offset of debug directory timestamp")
		}
		name := fmt.Sprintf("Debug Directory %d Timestamp", (off-ref.Dest.Offset)/entrySize)
		if err := space.Insert(patch.Range{Start: uint32(fileOff), Size: 4}, tsBytes, name); err != nil {
			return fmt.Errorf("marking debug directory timestamp: %w", err)
		}

		if entry.Type == pe.DebugTypeCodeView {
			if foundCV {
				return ErrMultipleCodeView
			}
			foundCV = true
			cvEntryTB = entryTB
		}
	}

	if !foundCV {
		return nil
	}

	var e pe.DebugDirectoryEntry
	cv, err := pe.Dereference[pe.DebugDirectoryEntry, pe.CvInfoPdb70](cvEntryTB, unsafe.Offsetof(e.AddressOfRawData))
	if err != nil {
		return fmt.Errorf("dereferencing CodeView record: %w", err)
	}

	res.HasCodeView = true

	var cvInfo pe.CvInfoPdb70

	ageFieldOff := cv.OffsetOf(unsafe.Offsetof(cvInfo.Age))
	ageFileOff, ok := im.RVAToFileOffset(fieldAddr(layout.Blocks, cv.BlockIndex(), ageFieldOff))
	if !ok {
		return fmt.Errorf("locating file offset of PDB age")
	}
	res.CodeViewAgeRange = patch.Range{Start: uint32(ageFileOff), Size: 4}
	if err := space.Insert(res.CodeViewAgeRange, timestampBytes(pdbAge), NamePDBAge); err != nil {
		return fmt.Errorf("marking PDB age: %w", err)
	}

	sigFieldOff := cv.OffsetOf(unsafe.Offsetof(cvInfo.Signature))
	sigFileOff, ok := im.RVAToFileOffset(fieldAddr(layout.Blocks, cv.BlockIndex(), sigFieldOff))
	if !ok {
		return fmt.Errorf("locating file offset of PDB GUID")
	}
	res.CodeViewGUIDRange = patch.Range{Start: uint32(sigFileOff), Size: 16}
	if err := space.Insert(res.CodeViewGUIDRange, nil, NamePDBGUID); err != nil {
		return fmt.Errorf("marking PDB GUID: %w", err)
	}

	res.CodeViewPathOffset = uint32(ageFileOff) + 4

	return nil
}

// ReadCodeViewGUIDAge reads the PE image's current CodeView GUID and age
// as they stand before any patch in res.Space is stamped, for comparison
// against a candidate PDB's own info stream. Valid only if
// res.HasCodeView is true.
func ReadCodeViewGUIDAge(im *pe.Image, res *Result) (guid [16]byte, age uint32, err error) {
	if !res.HasCodeView {
		return guid, 0, ErrMissingCodeView
	}
	if _, err := im.ReadAt(guid[:], int64(res.CodeViewGUIDRange.Start)); err != nil {
		return guid, 0, fmt.Errorf("reading CodeView GUID: %w", err)
	}
	var ageBytes [4]byte
	if _, err := im.ReadAt(ageBytes[:], int64(res.CodeViewAgeRange.Start)); err != nil {
		return guid, 0, fmt.Errorf("reading CodeView age: %w", err)
	}
	return guid, binary.LittleEndian.Uint32(ageBytes[:]), nil
}

// ReadCodeViewPath reads the NUL-terminated PDB path string trailing the
// image's CV_INFO_PDB70 record, used to locate a PDB when the caller did
// not supply one explicitly. Valid only if res.HasCodeView is true.
func ReadCodeViewPath(im *pe.Image, res *Result) (string, error) {
	if !res.HasCodeView {
		return "", ErrMissingCodeView
	}
	const maxPathLen = 260
	avail := im.Size() - int64(res.CodeViewPathOffset)
	if avail <= 0 {
		return "", fmt.Errorf("CodeView PDB path offset %d is past end of image", res.CodeViewPathOffset)
	}
	if avail > maxPathLen {
		avail = maxPathLen
	}
	buf := make([]byte, avail)
	if _, err := im.ReadAt(buf, int64(res.CodeViewPathOffset)); err != nil {
		return "", fmt.Errorf("reading CodeView PDB path: %w", err)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}
