// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package pe

import "sort"

// ReferenceType classifies how a Reference's destination is encoded at
// its source location. The mini-decomposer only ever produces
// RefAbsolute references (an RVA stored as a plain 32-bit integer),
// but the type is carried through so the model matches the general
// block-graph shape described by the specification.
type ReferenceType int

const (
	RefAbsolute ReferenceType = iota
	RefRelative
	RefPCRelative
	RefSectionRelative
)

// BlockRef identifies a location inside the block graph as an arena
// index plus an in-block byte offset, rather than as an owning
// pointer. The block graph's arena may contain cycles (self-referential
// PE structures do occur), so references are never modeled as owned
// pointers between blocks; the arena outlives every block within it,
// and any block can be reached from any other purely by index.
type BlockRef struct {
	BlockIndex int
	Offset     int
}

// Reference is a typed pointer from an offset inside one block to a
// location inside another (or the same) block.
type Reference struct {
	Type ReferenceType
	Size int
	Dest BlockRef
}

// Block is a contiguous byte range at a known RVA, owned by a
// BlockGraph for the graph's lifetime. Its bytes are copied verbatim
// from the source image; references embedded in those bytes are
// recorded separately, keyed by their in-block byte offset.
type Block struct {
	Addr       RVA
	Data       []byte
	References map[int]Reference
}

// Len returns the length of the block in bytes.
func (b *Block) Len() int { return len(b.Data) }

// SetReference records a reference originating at the given in-block
// offset, overwriting anything previously recorded there.
func (b *Block) SetReference(offset int, ref Reference) {
	if b.References == nil {
		b.References = make(map[int]Reference)
	}
	b.References[offset] = ref
}

// GetReference looks up the reference recorded at the given in-block
// offset, if any.
func (b *Block) GetReference(offset int) (Reference, bool) {
	ref, ok := b.References[offset]
	return ref, ok
}

// BlockGraph owns every Block produced by the mini-decomposer. Blocks
// live in an arena addressed by index; an RVA-sorted index over the
// arena supports "find the block containing (RVA, size)" lookups
// without requiring blocks to hold pointers to one another.
type BlockGraph struct {
	arena []*Block
	// sortedIdx holds indices into arena, sorted by arena[i].Addr.
	sortedIdx []int
	dirty     bool
}

// NewBlockGraph returns an empty block graph.
func NewBlockGraph() *BlockGraph {
	return &BlockGraph{}
}

// AddBlock inserts a new block at the given RVA with the given bytes
// (which are not copied again — callers are expected to hand over an
// owned slice) and returns its arena index.
func (g *BlockGraph) AddBlock(addr RVA, data []byte) int {
	idx := len(g.arena)
	g.arena = append(g.arena, &Block{Addr: addr, Data: data})
	g.dirty = true
	return idx
}

// Block returns the block at the given arena index.
func (g *BlockGraph) Block(idx int) *Block {
	return g.arena[idx]
}

// Len returns the number of blocks in the graph.
func (g *BlockGraph) Len() int { return len(g.arena) }

func (g *BlockGraph) ensureSorted() {
	if !g.dirty {
		return
	}
	g.sortedIdx = make([]int, len(g.arena))
	for i := range g.sortedIdx {
		g.sortedIdx[i] = i
	}
	sort.Slice(g.sortedIdx, func(i, j int) bool {
		return g.arena[g.sortedIdx[i]].Addr < g.arena[g.sortedIdx[j]].Addr
	})
	g.dirty = false
}

// FindBlockByAddr returns the arena index of the block whose starting
// RVA exactly matches addr, or -1 if none does.
func (g *BlockGraph) FindBlockByAddr(addr RVA) int {
	g.ensureSorted()
	i := sort.Search(len(g.sortedIdx), func(i int) bool {
		return g.arena[g.sortedIdx[i]].Addr >= addr
	})
	if i < len(g.sortedIdx) && g.arena[g.sortedIdx[i]].Addr == addr {
		return g.sortedIdx[i]
	}
	return -1
}

// FindContaining returns the arena index of the block that fully
// contains the byte range [addr, addr+size), or -1 if no single block
// does. This is how references are resolved to their source and
// destination blocks: a range that straddles two blocks, or that falls
// entirely in an un-decomposed section, does not resolve.
func (g *BlockGraph) FindContaining(addr RVA, size int) int {
	g.ensureSorted()
	i := sort.Search(len(g.sortedIdx), func(i int) bool {
		return g.arena[g.sortedIdx[i]].Addr > addr
	})
	if i == 0 {
		return -1
	}
	idx := g.sortedIdx[i-1]
	b := g.arena[idx]
	start := uint64(b.Addr)
	end := start + uint64(b.Len())
	want := uint64(addr)
	if want < start || want+uint64(size) > end {
		return -1
	}
	return idx
}
