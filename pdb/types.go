// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package pdb implements the PDB-side half of build canonicalization:
// normalizing the header info stream's GUID/age, the DBI stream's age
// and reserved padding, and the alignment padding inside the symbol
// record and public symbol streams, on top of an msf.File container.
package pdb

// Fixed stream indices every PDB reserves by convention.
const (
	StreamOldDirectory = 0
	StreamPDBInfo      = 1
	StreamDBI          = 3
)

// InfoHeader is the fixed-size header of the PDB info stream (stream 1).
// A named-stream map may follow it; this tool never needs to touch that
// map's contents, only these first 28 bytes.
type InfoHeader struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
}

const infoHeaderSize = 28

// DBIHeader is the fixed 64-byte header of the DBI stream (stream 3).
type DBIHeader struct {
	VersionSignature         int32
	VersionHeader            uint32
	Age                      uint32
	GlobalStreamIndex        uint16
	BuildNumber              uint16
	PublicStreamIndex        uint16
	PdbDllVersion            uint16
	SymRecordStream          uint16
	PdbDllRbld               uint16
	ModInfoSize              int32
	SectionContributionSize  int32
	SectionMapSize           int32
	SourceInfoSize           int32
	TypeServerMapSize        int32
	MFCTypeServerIndex       uint32
	OptionalDbgHeaderSize    int32
	ECSubstreamSize          int32
	Flags                    uint16
	Machine                  uint16
	Padding                  uint32
}

const dbiHeaderSize = 64

// publicSymPaddingOffset is the offset of the reserved DWORD that
// follows the public symbol info stream's GSIHashHeader, which this
// tool zeroes for determinism.
const publicSymPaddingOffset = 24
