// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"fmt"
	"unsafe"
)

// ImageLayout is the result of a mini-decomposition: a block graph
// covering the PE headers and every data directory the optional header
// names, plus a pointer to the DOS header block that anchors traversal.
type ImageLayout struct {
	Blocks         *BlockGraph
	DOSHeaderIdx   int
	NTHeadersIdx   int
	SectionsIdx    int
	sectionTable   []SectionHeader
	dataDirLocalOff int
}

// DataDirEntryOffset returns the in-block byte offset, within the NT
// headers block, of the VirtualAddress field of the data directory
// entry at idx (one of the DirectoryEntry* constants).
func (l *ImageLayout) DataDirEntryOffset(idx int) int {
	return l.dataDirLocalOff + idx*8
}

// intermediateRef is a reference recorded during pass one, before its
// source and destination addresses have been resolved to concrete
// blocks. It mirrors the original decomposer's approach of collecting
// references by address first and finalizing them only once every block
// that could serve as an endpoint has been created.
type intermediateRef struct {
	srcAddr RVA
	srcSize int
	typ     ReferenceType
	dstAddr RVA
	dstSize int
}

// Decompose performs a minimal structural decomposition of im: it
// builds blocks for the DOS header, NT headers (file header + optional
// header, including the data directory array), and the section table,
// then walks every data directory the optional header names (export,
// import, resource, exception, security, base relocation, debug,
// architecture, global pointer, TLS, load config, bound import, IAT,
// delay import, and COM descriptor) to build a block for each one's raw
// contents, plus one more for any embedded CodeView record found inside
// the debug directory. References between these blocks are recorded so
// that later typed views can Dereference from one block to the next
// without re-deriving addresses by hand.
//
// Unlike a full decomposition, a directory's contents are not
// interpreted beyond turning them into a block: nothing here parses
// import name tables, relocation blocks, or TLS callback arrays, since
// the field marker never needs to reach into them. The security
// directory's VirtualAddress field is a raw file offset rather than an
// RVA by convention, so it never resolves to a block through
// RVAToFileOffset and is silently skipped, the same as any directory
// entry that is absent or points outside every section.
func Decompose(im *Image) (*ImageLayout, error) {
	g := NewBlockGraph()
	var refs []intermediateRef

	dosBuf := make([]byte, 64)
	if _, err := im.ReadAt(dosBuf, 0); err != nil {
		return nil, fmt.Errorf("reading DOS header: %w", err)
	}
	dosIdx := g.AddBlock(0, dosBuf)

	elfanewOff := int(offsetDOSHeaderELfanew)
	elfanew := RVA(le32(dosBuf[elfanewOff:]))
	refs = append(refs, intermediateRef{srcAddr: RVA(elfanewOff), srcSize: 4, typ: RefAbsolute, dstAddr: elfanew, dstSize: 1})

	fh := im.FileHeader()
	ntSize := int(unsafe.Sizeof(uint32(0))) + int(unsafe.Sizeof(fh)) + int(fh.SizeOfOptionalHeader)
	ntBuf := make([]byte, ntSize)
	if _, err := im.ReadAt(ntBuf, int64(elfanew)); err != nil {
		return nil, fmt.Errorf("reading NT headers: %w", err)
	}
	ntIdx := g.AddBlock(elfanew, ntBuf)

	ddLocalOff := int(im.DataDirectoryOffset()) - int(elfanew)

	wantDirs := []int{
		DirectoryEntryExport,
		DirectoryEntryImport,
		DirectoryEntryResource,
		DirectoryEntryException,
		DirectoryEntrySecurity,
		DirectoryEntryBaseReloc,
		DirectoryEntryDebug,
		DirectoryEntryArchitecture,
		DirectoryEntryGlobalPtr,
		DirectoryEntryTLS,
		DirectoryEntryLoadConfig,
		DirectoryEntryBoundImport,
		DirectoryEntryIAT,
		DirectoryEntryDelayImport,
		DirectoryEntryCOMDescr,
	}
	for _, idx := range wantDirs {
		dd, ok := im.DataDirectory(idx)
		if !ok {
			continue
		}
		entryOff := ddLocalOff + idx*8
		refs = append(refs, intermediateRef{
			srcAddr: elfanew + RVA(entryOff),
			srcSize: 4,
			typ:     RefAbsolute,
			dstAddr: RVA(dd.VirtualAddress),
			dstSize: 1,
		})

		fileOff, ok := im.RVAToFileOffset(RVA(dd.VirtualAddress))
		if !ok {
			continue
		}
		buf := make([]byte, dd.Size)
		if _, err := im.ReadAt(buf, int64(fileOff)); err != nil {
			return nil, fmt.Errorf("reading data directory %d: %w", idx, err)
		}
		dirIdx := g.AddBlock(RVA(dd.VirtualAddress), buf)

		if idx == DirectoryEntryDebug {
			if err := decomposeDebugDirectory(im, g, dirIdx, buf, &refs); err != nil {
				return nil, err
			}
		}
	}

	sections := im.Sections()
	secBuf := make([]byte, len(sections)*int(unsafe.Sizeof(SectionHeader{})))
	if _, err := im.ReadAt(secBuf, int64(im.SectionTableOffset())); err != nil {
		return nil, fmt.Errorf("reading section table: %w", err)
	}
	secIdx := g.AddBlock(RVA(im.SectionTableOffset()), secBuf)

	finalize(g, refs)

	return &ImageLayout{
		Blocks:          g,
		DOSHeaderIdx:    dosIdx,
		NTHeadersIdx:    ntIdx,
		SectionsIdx:     secIdx,
		sectionTable:    sections,
		dataDirLocalOff: ddLocalOff,
	}, nil
}

// decomposeDebugDirectory walks a freshly-read IMAGE_DEBUG_DIRECTORY
// array, adding a block (and an intermediate reference to it) for the
// raw data of any CodeView entry it finds.
func decomposeDebugDirectory(im *Image, g *BlockGraph, dirIdx int, buf []byte, refs *[]intermediateRef) error {
	entrySize := int(unsafe.Sizeof(DebugDirectoryEntry{}))
	dir := g.Block(dirIdx)
	for off := 0; off+entrySize <= len(buf); off += entrySize {
		var e DebugDirectoryEntry
		e = *(*DebugDirectoryEntry)(unsafe.Pointer(&buf[off]))
		if e.Type != DebugTypeCodeView || e.SizeOfData == 0 {
			continue
		}

		cvBuf := make([]byte, e.SizeOfData)
		if _, err := im.ReadAt(cvBuf, int64(e.PointerToRawData)); err != nil {
			return fmt.Errorf("reading CodeView record: %w", err)
		}
		g.AddBlock(RVA(e.AddressOfRawData), cvBuf)

		addrRawDataOff := off + int(unsafe.Offsetof(e.AddressOfRawData))
		*refs = append(*refs, intermediateRef{
			srcAddr: dir.Addr + RVA(addrRawDataOff),
			srcSize: 4,
			typ:     RefAbsolute,
			dstAddr: RVA(e.AddressOfRawData),
			dstSize: 1,
		})
	}
	return nil
}

// finalize resolves every intermediate reference to a concrete
// (block, offset) pair on both ends, silently dropping any reference
// whose source or destination address does not fall inside a block that
// was actually decomposed. This mirrors the upstream decomposer: a
// reference into an un-decomposed section is not an error, it is simply
// left unresolved.
func finalize(g *BlockGraph, refs []intermediateRef) {
	for _, r := range refs {
		srcIdx := g.FindContaining(r.srcAddr, r.srcSize)
		if srcIdx < 0 {
			continue
		}
		dstIdx := g.FindContaining(r.dstAddr, r.dstSize)
		if dstIdx < 0 {
			continue
		}
		srcBlock := g.Block(srcIdx)
		srcOffset := int(r.srcAddr - srcBlock.Addr)
		dstBlock := g.Block(dstIdx)
		dstOffset := int(r.dstAddr - dstBlock.Addr)
		srcBlock.SetReference(srcOffset, Reference{
			Type: r.typ,
			Size: 4,
			Dest: BlockRef{BlockIndex: dstIdx, Offset: dstOffset},
		})
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
