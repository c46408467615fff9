// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"fmt"
	"unsafe"
)

// TypedBlock is a bounds-checked, typed view of a T-shaped structure
// living at some offset inside a Block. It never holds a Go pointer
// into the block's byte slice across calls; each access re-derives its
// pointer from the block's current Data, so a TypedBlock stays valid
// even if the underlying slice is later reallocated by an append.
type TypedBlock[T any] struct {
	graph  *BlockGraph
	block  int
	offset int
}

// NewTypedBlock returns a typed view of a T at the given byte offset
// within the block at blockIdx. It fails with TruncatedStructure if the
// block is too short to hold a T at that offset.
func NewTypedBlock[T any](g *BlockGraph, blockIdx, offset int) (TypedBlock[T], error) {
	var zero T
	b := g.Block(blockIdx)
	if offset < 0 || offset+int(unsafe.Sizeof(zero)) > b.Len() {
		return TypedBlock[T]{}, fmt.Errorf("%w: block %d too short for %T at offset %d", ErrTruncatedStructure, blockIdx, zero, offset)
	}
	return TypedBlock[T]{graph: g, block: blockIdx, offset: offset}, nil
}

// BlockIndex returns the arena index of the block this view addresses.
func (t TypedBlock[T]) BlockIndex() int { return t.block }

// Offset returns the in-block byte offset this view addresses.
func (t TypedBlock[T]) Offset() int { return t.offset }

// Addr returns the RVA at which this view's data begins.
func (t TypedBlock[T]) Addr() RVA {
	return t.graph.Block(t.block).Addr + RVA(t.offset)
}

// Ptr returns a pointer to the T at this view's location, reinterpreting
// the block's bytes in place. Callers must not retain the pointer past
// any mutation of the block's Data slice.
func (t TypedBlock[T]) Ptr() *T {
	b := t.graph.Block(t.block)
	return (*T)(unsafe.Pointer(&b.Data[t.offset]))
}

// Value copies out and returns the T at this view's location.
func (t TypedBlock[T]) Value() T {
	return *t.Ptr()
}

// OffsetOf returns the absolute in-block byte offset of a field within
// T, given that field's offset within T itself (typically obtained via
// unsafe.Offsetof at the call site, e.g.
// blk.OffsetOf(unsafe.Offsetof(hdr.TimeDateStamp))).
func (t TypedBlock[T]) OffsetOf(fieldOffset uintptr) int {
	return t.offset + int(fieldOffset)
}

// HasReference reports whether the block underlying this view has a
// recorded Reference originating at the given field offset (relative to
// T's start).
func (t TypedBlock[T]) HasReference(fieldOffset uintptr) bool {
	_, ok := t.graph.Block(t.block).GetReference(t.OffsetOf(fieldOffset))
	return ok
}

// Dereference follows the Reference recorded at the given field offset
// (relative to S's start, within the block underlying t) and returns a
// typed view of an R at its destination. Callers specify both type
// parameters explicitly, e.g.
// pe.Dereference[pe.DebugDirectoryEntry, pe.CvInfoPdb70](t, unsafe.Offsetof(dde.AddressOfRawData)).
// It fails with MissingReference if the mini-decomposer did not resolve
// a reference at that location (this happens legitimately when the
// field points into a section the decomposer never walked), and with
// TruncatedStructure if the destination block is too short to hold an R.
func Dereference[S any, R any](t TypedBlock[S], fieldOffset uintptr) (TypedBlock[R], error) {
	b := t.graph.Block(t.block)
	ref, ok := b.GetReference(t.OffsetOf(fieldOffset))
	if !ok {
		return TypedBlock[R]{}, fmt.Errorf("%w: no reference at block %d offset %d", ErrMissingReference, t.block, t.OffsetOf(fieldOffset))
	}
	return NewTypedBlock[R](t.graph, ref.Dest.BlockIndex, ref.Dest.Offset)
}
