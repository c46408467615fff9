// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"os"
	"testing"
)

// buildTestPE32 assembles a minimal, well-formed 32-bit PE image
// containing exactly one section, an export directory, and a CodeView
// debug directory entry. It is deliberately hand-assembled with
// encoding/binary rather than by casting our own structs over a buffer,
// so that the two techniques cross-check each other.
func buildTestPE32(t *testing.T) []byte {
	t.Helper()

	const (
		elfanew            = 0x40
		sectionVA          = 0x2000
		sectionRaw         = 0x400
		sectionRawSize     = 0x400
		exportRVA          = sectionVA
		exportSize         = 40
		debugDirRVA        = sectionVA + 0x100
		debugDirSize       = 28
		cvRVA              = sectionVA + 0x200
		cvPathLen          = 8 // "test.pdb\0"
	)

	buf := new(bytes.Buffer)
	w := func(v any) {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}

	// DOS header: magic + 58 reserved bytes + e_lfanew at offset 0x3C.
	buf.WriteString("MZ")
	buf.Write(make([]byte, 58))
	w(int32(elfanew))
	if buf.Len() != 64 {
		t.Fatalf("DOS header is %d bytes, want 64", buf.Len())
	}

	// PE signature.
	buf.WriteString("PE\x00\x00")

	// COFF file header.
	w(dpe.FileHeader{
		Machine:              0x14c, // IMAGE_FILE_MACHINE_I386
		NumberOfSections:     1,
		TimeDateStamp:        0x5F5E1000,
		SizeOfOptionalHeader: 224,
		Characteristics:      0x0102,
	})

	oh := dpe.OptionalHeader32{
		Magic:               optionalHdrMagicPE32,
		SizeOfCode:          sectionRawSize,
		AddressOfEntryPoint: sectionVA,
		BaseOfCode:          sectionVA,
		ImageBase:           0x00400000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         0x3000,
		SizeOfHeaders:       sectionRaw,
		CheckSum:            0,
		NumberOfRvaAndSizes: 16,
	}
	oh.DataDirectory[DirectoryEntryExport] = dpe.DataDirectory{VirtualAddress: exportRVA, Size: exportSize}
	oh.DataDirectory[DirectoryEntryDebug] = dpe.DataDirectory{VirtualAddress: debugDirRVA, Size: debugDirSize}
	w(oh)

	// Section table: one section covering the export dir, debug dir,
	// and CodeView record.
	var name [8]byte
	copy(name[:], ".data")
	w(dpe.SectionHeader32{
		Name:             name,
		VirtualSize:      0x1000,
		VirtualAddress:   sectionVA,
		SizeOfRawData:    sectionRawSize,
		PointerToRawData: sectionRaw,
		Characteristics:  0xC0000040,
	})

	// Pad up to the start of raw section data.
	if buf.Len() > sectionRaw {
		t.Fatalf("header region overflowed into section data (%d > %d)", buf.Len(), sectionRaw)
	}
	buf.Write(make([]byte, sectionRaw-buf.Len()))

	// Export directory at file offset sectionRaw (== RVA sectionVA).
	w(ExportDirectory{Name: 0xDEADBEEF, Base: 1})
	buf.Write(make([]byte, exportSize-int(unsafeSizeofExportDirectory)))

	// Pad to the debug directory.
	pad := sectionRaw + 0x100 - buf.Len()
	buf.Write(make([]byte, pad))

	// One IMAGE_DEBUG_DIRECTORY entry pointing at the CodeView record.
	w(DebugDirectoryEntry{
		TimeDateStamp:    0x5F5E1000,
		Type:             DebugTypeCodeView,
		SizeOfData:       uint32(24 + cvPathLen + 1),
		AddressOfRawData: cvRVA,
		PointerToRawData: uint32(sectionRaw + 0x200),
	})

	// Pad to the CodeView record.
	pad = sectionRaw + 0x200 - buf.Len()
	buf.Write(make([]byte, pad))

	w(CvInfoPdb70{
		CvSignature: cvSignaturePDB70,
		Signature:   [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Age:         3,
	})
	buf.WriteString("test.pdb\x00")

	// Pad out to the declared section size.
	for buf.Len() < sectionRaw+sectionRawSize {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

const unsafeSizeofExportDirectory = 40

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "zaptimestamp-test-*.exe")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}
