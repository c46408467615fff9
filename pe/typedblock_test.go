// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"errors"
	"testing"
	"unsafe"
)

func TestNewTypedBlockTruncated(t *testing.T) {
	g := NewBlockGraph()
	idx := g.AddBlock(0x1000, make([]byte, 4))
	if _, err := NewTypedBlock[CvInfoPdb70](g, idx, 0); !errors.Is(err, ErrTruncatedStructure) {
		t.Errorf("err = %v, want ErrTruncatedStructure", err)
	}
}

func TestTypedBlockOffsetOfAndValue(t *testing.T) {
	g := NewBlockGraph()
	data := make([]byte, 32)
	idx := g.AddBlock(0x1000, data)

	tb, err := NewTypedBlock[DebugDirectoryEntry](g, idx, 4)
	if err != nil {
		t.Fatalf("NewTypedBlock: %v", err)
	}

	var e DebugDirectoryEntry
	off := tb.OffsetOf(unsafe.Offsetof(e.Type))
	if off != 4+int(unsafe.Offsetof(e.Type)) {
		t.Errorf("OffsetOf(Type) = %d, want %d", off, 4+int(unsafe.Offsetof(e.Type)))
	}

	tb.Ptr().Type = DebugTypeCodeView
	if got := tb.Value().Type; got != DebugTypeCodeView {
		t.Errorf("Value().Type = %v, want CodeView", got)
	}
	if tb.Addr() != 0x1004 {
		t.Errorf("Addr() = %v, want 0x1004", tb.Addr())
	}
}

func TestDereferenceMissingReference(t *testing.T) {
	g := NewBlockGraph()
	idx := g.AddBlock(0x1000, make([]byte, 28))
	tb, err := NewTypedBlock[DebugDirectoryEntry](g, idx, 0)
	if err != nil {
		t.Fatalf("NewTypedBlock: %v", err)
	}

	var e DebugDirectoryEntry
	_, err = Dereference[DebugDirectoryEntry, CvInfoPdb70](tb, unsafe.Offsetof(e.AddressOfRawData))
	if !errors.Is(err, ErrMissingReference) {
		t.Errorf("err = %v, want ErrMissingReference", err)
	}
}

func TestDereferenceFollowsReference(t *testing.T) {
	g := NewBlockGraph()
	srcIdx := g.AddBlock(0x1000, make([]byte, 28))
	dstIdx := g.AddBlock(0x2000, make([]byte, 24))

	tb, err := NewTypedBlock[DebugDirectoryEntry](g, srcIdx, 0)
	if err != nil {
		t.Fatalf("NewTypedBlock: %v", err)
	}

	var e DebugDirectoryEntry
	fieldOff := tb.OffsetOf(unsafe.Offsetof(e.AddressOfRawData))
	g.Block(srcIdx).SetReference(fieldOff, Reference{Type: RefAbsolute, Size: 4, Dest: BlockRef{BlockIndex: dstIdx, Offset: 0}})

	dst, err := Dereference[DebugDirectoryEntry, CvInfoPdb70](tb, unsafe.Offsetof(e.AddressOfRawData))
	if err != nil {
		t.Fatalf("Dereference: %v", err)
	}
	if dst.BlockIndex() != dstIdx {
		t.Errorf("BlockIndex() = %d, want %d", dst.BlockIndex(), dstIdx)
	}
}
