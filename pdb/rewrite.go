// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package pdb

import (
	"encoding/binary"
	"fmt"

	"github.com/syzytools/zaptimestamp/msf"
)

// File wraps an msf.File open on a PDB, exposing the streams this tool
// normalizes.
type File struct {
	MSF *msf.File
}

// Load opens path as a PDB. The old-directory stream (index 0) is
// discarded on load: it is a build-volatile artifact of the previous
// MSF rewrite and is never regenerated, so canonical output never
// carries one forward.
func Load(path string) (*File, error) {
	m, err := msf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pdb: %w", err)
	}
	if err := m.ReplaceStream(StreamOldDirectory, nil); err != nil {
		return nil, fmt.Errorf("pdb: discarding old directory stream: %w", err)
	}
	return &File{MSF: m}, nil
}

// Save serializes f back out to path.
func Save(f *File, path string) error {
	if err := msf.Save(f.MSF, path); err != nil {
		return fmt.Errorf("pdb: %w", err)
	}
	return nil
}

// InfoHeader reads the fixed header of the PDB info stream.
func (f *File) InfoHeader() (InfoHeader, error) {
	data, err := f.MSF.Stream(StreamPDBInfo)
	if err != nil {
		return InfoHeader{}, fmt.Errorf("pdb: reading info stream: %w", err)
	}
	if len(data) < infoHeaderSize {
		return InfoHeader{}, ErrMalformedInfo
	}
	var h InfoHeader
	h.Version = binary.LittleEndian.Uint32(data[0:4])
	h.Signature = binary.LittleEndian.Uint32(data[4:8])
	h.Age = binary.LittleEndian.Uint32(data[8:12])
	copy(h.GUID[:], data[12:28])
	return h, nil
}

// NormalizeInfoStream rewrites the PDB info stream's Signature
// (timestamp), Age, and GUID fields in place, leaving the named-stream
// map that follows untouched. All three are written consecutively, in
// that order, matching the header's own field layout.
func (f *File) NormalizeInfoStream(timestamp, age uint32, guid [16]byte) error {
	data, err := f.MSF.Stream(StreamPDBInfo)
	if err != nil {
		return fmt.Errorf("pdb: reading info stream: %w", err)
	}
	if len(data) < infoHeaderSize {
		return ErrMalformedInfo
	}
	binary.LittleEndian.PutUint32(data[4:8], timestamp)
	binary.LittleEndian.PutUint32(data[8:12], age)
	copy(data[12:28], guid[:])
	if err := f.MSF.ReplaceStream(StreamPDBInfo, data); err != nil {
		return fmt.Errorf("pdb: %w", err)
	}
	return nil
}

// DBIHeader reads the fixed header of the DBI stream.
func (f *File) DBIHeader() (DBIHeader, error) {
	data, err := f.MSF.Stream(StreamDBI)
	if err != nil {
		return DBIHeader{}, fmt.Errorf("pdb: reading DBI stream: %w", err)
	}
	return parseDBIHeader(data)
}

func parseDBIHeader(data []byte) (DBIHeader, error) {
	var h DBIHeader
	if len(data) < dbiHeaderSize {
		return h, ErrMalformedDBI
	}
	h.VersionSignature = int32(binary.LittleEndian.Uint32(data[0:4]))
	if h.VersionSignature != -1 {
		return h, fmt.Errorf("%w: version signature %d", ErrMalformedDBI, h.VersionSignature)
	}
	h.VersionHeader = binary.LittleEndian.Uint32(data[4:8])
	h.Age = binary.LittleEndian.Uint32(data[8:12])
	h.GlobalStreamIndex = binary.LittleEndian.Uint16(data[12:14])
	h.BuildNumber = binary.LittleEndian.Uint16(data[14:16])
	h.PublicStreamIndex = binary.LittleEndian.Uint16(data[16:18])
	h.PdbDllVersion = binary.LittleEndian.Uint16(data[18:20])
	h.SymRecordStream = binary.LittleEndian.Uint16(data[20:22])
	h.PdbDllRbld = binary.LittleEndian.Uint16(data[22:24])
	h.ModInfoSize = int32(binary.LittleEndian.Uint32(data[24:28]))
	h.SectionContributionSize = int32(binary.LittleEndian.Uint32(data[28:32]))
	h.SectionMapSize = int32(binary.LittleEndian.Uint32(data[32:36]))
	h.SourceInfoSize = int32(binary.LittleEndian.Uint32(data[36:40]))
	h.TypeServerMapSize = int32(binary.LittleEndian.Uint32(data[40:44]))
	h.MFCTypeServerIndex = binary.LittleEndian.Uint32(data[44:48])
	h.OptionalDbgHeaderSize = int32(binary.LittleEndian.Uint32(data[48:52]))
	h.ECSubstreamSize = int32(binary.LittleEndian.Uint32(data[52:56]))
	h.Flags = binary.LittleEndian.Uint16(data[56:58])
	h.Machine = binary.LittleEndian.Uint16(data[58:60])
	h.Padding = binary.LittleEndian.Uint32(data[60:64])
	return h, nil
}

// NormalizeDBIStream rewrites the DBI stream's Age field and zeroes the
// reserved/padding bytes in its module info and section contribution
// substreams: the "Unused1"/"Unused2" fields of every ModuleInfo record
// and the "Padding1"/"Padding2" fields of every SectionContrib, none of
// which carry meaningful content but which a compiler may leave
// populated with stack garbage from a previous build.
func (f *File) NormalizeDBIStream(age uint32) error {
	data, err := f.MSF.Stream(StreamDBI)
	if err != nil {
		return fmt.Errorf("pdb: reading DBI stream: %w", err)
	}
	h, err := parseDBIHeader(data)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(data[8:12], age)

	modInfoOff := dbiHeaderSize
	modInfoEnd := modInfoOff + int(h.ModInfoSize)
	if modInfoEnd <= len(data) {
		zeroModuleInfoSubstream(data[modInfoOff:modInfoEnd])
	}

	secContribOff := modInfoEnd
	secContribEnd := secContribOff + int(h.SectionContributionSize)
	if secContribEnd <= len(data) {
		zeroSectionContribSubstream(data[secContribOff:secContribEnd])
	}

	if err := f.MSF.ReplaceStream(StreamDBI, data); err != nil {
		return fmt.Errorf("pdb: %w", err)
	}
	return nil
}

// moduleInfoFixedSize is the size of ModuleInfo's fixed-width fields,
// before its two NUL-terminated name strings.
const moduleInfoFixedSize = 4 + 28 + 2 + 2 + 4 + 4 + 4 + 2 + 2 + 4 + 4 + 4

func zeroModuleInfoSubstream(data []byte) {
	off := 0
	for off+moduleInfoFixedSize <= len(data) {
		start := off
		// Unused1, 4 bytes at the very start of the record.
		zero(data[start : start+4])
		// SectionContrib.Padding1 at +2, Padding2 at +18 within the
		// 28-byte SectionContrib that begins right after Unused1.
		scOff := start + 4
		zero(data[scOff+2 : scOff+4])   // Padding1
		zero(data[scOff+18 : scOff+20]) // Padding2
		// ModuleInfo.Unused2, 4 bytes before the two name strings.
		unused2Off := start + 4 + 28 + 2 + 2 + 4 + 4 + 4 + 2 + 2
		zero(data[unused2Off : unused2Off+4])

		namesEnd := nextNUL(data, start+moduleInfoFixedSize)
		off = (namesEnd + 3) &^ 3
		if off <= start {
			break // malformed record, avoid looping forever
		}
	}
}

// nextNUL returns the index (relative to the whole slice) just past the
// second NUL-terminated string starting at off: ModuleInfo's module
// name followed immediately by its object file name.
func nextNUL(data []byte, off int) int {
	for i := 0; i < 2; i++ {
		idx := indexByte(data[off:], 0)
		if idx < 0 {
			return len(data)
		}
		off += idx + 1
	}
	return off
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

const sectionContribEntrySize = 28

func zeroSectionContribSubstream(data []byte) {
	if len(data) < 4 {
		return
	}
	entries := data[4:]
	for off := 0; off+sectionContribEntrySize <= len(entries); off += sectionContribEntrySize {
		zero(entries[off+2 : off+4])   // Padding1
		zero(entries[off+18 : off+20]) // Padding2
	}
}

// maxSymbolRecordPadding is the largest number of alignment padding
// bytes CodeView ever appends after a symbol record's content, since
// every record's length (including that padding) is a multiple of 4
// once the 2-byte length prefix is added back in.
const maxSymbolRecordPadding = 3

// NormalizeSymbolRecordStream zeroes the alignment padding CodeView
// appends after each length-prefixed symbol record so that a record's
// trailing bytes never depend on whatever garbage the compiler's
// allocator happened to leave there. Padding lives inside the record's
// own declared length, in its last up to 3 bytes, immediately after
// the record content's own NUL terminator. The first NUL among those
// last bytes is taken as the terminator, and everything from it to the
// record's end is zeroed (the terminator itself is already zero, so it
// is unchanged). When none of those bytes is NUL, only the record's
// final byte is zeroed.
func (f *File) NormalizeSymbolRecordStream(streamIndex int) error {
	data, err := f.MSF.Stream(streamIndex)
	if err != nil {
		return fmt.Errorf("pdb: reading symbol record stream: %w", err)
	}

	off := 0
	for off+2 <= len(data) {
		recLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		recEnd := off + 2 + recLen
		if recLen < 2 || recEnd > len(data) {
			break
		}

		scanStart := recEnd - maxSymbolRecordPadding
		if lo := off + 2; scanStart < lo {
			scanStart = lo
		}
		tail := recEnd - 1
		for i := scanStart; i < recEnd; i++ {
			if data[i] == 0 {
				tail = i
				break
			}
		}
		zero(data[tail:recEnd])

		off = recEnd
	}

	if err := f.MSF.ReplaceStream(streamIndex, data); err != nil {
		return fmt.Errorf("pdb: %w", err)
	}
	return nil
}

// NormalizePublicSymbolStream zeroes the reserved DWORD at offset 24 of
// the public symbol info stream's GSI hash header.
func (f *File) NormalizePublicSymbolStream(streamIndex int) error {
	data, err := f.MSF.Stream(streamIndex)
	if err != nil {
		return fmt.Errorf("pdb: reading public symbol stream: %w", err)
	}
	if len(data) < publicSymPaddingOffset+4 {
		return nil
	}
	zero(data[publicSymPaddingOffset : publicSymPaddingOffset+4])
	if err := f.MSF.ReplaceStream(streamIndex, data); err != nil {
		return fmt.Errorf("pdb: %w", err)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
