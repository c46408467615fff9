// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package patch implements an ordered, non-overlapping interval map of
// file byte ranges, used to record every location in a PE or PDB file
// that build determinism requires either masking out of a content hash,
// stamping with replacement bytes, or both.
package patch

import (
	"errors"
	"fmt"
	"sort"
)

// ErrConflict is returned when a range being inserted overlaps a range
// already present in the address space.
var ErrConflict = errors.New("patch: range conflicts with an existing patch")

// Range is a half-open byte interval [Start, Start+Size) within a file.
type Range struct {
	Start uint32
	Size  uint32
}

// End returns the exclusive end of r.
func (r Range) End() uint32 { return r.Start + r.Size }

// Overlaps reports whether r and o share any byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// Patch is one entry in an AddressSpace: a byte range, the bytes that
// should ultimately be written there (nil if no replacement is recorded
// here: the range is still masked out of a content hash, and any value
// it gets is written by a later step), and a human-readable name used
// in error messages and logs.
type Patch struct {
	Range       Range
	Replacement []byte
	Name        string
}

// AddressSpace is an ordered set of non-overlapping Patches over a
// single file's byte range.
type AddressSpace struct {
	patches []Patch // kept sorted by Range.Start
}

// New returns an empty AddressSpace.
func New() *AddressSpace {
	return &AddressSpace{}
}

// Insert records a patch over the given range. It fails with ErrConflict
// if the range overlaps any range already present.
func (a *AddressSpace) Insert(rng Range, replacement []byte, name string) error {
	if rng.Size == 0 {
		return fmt.Errorf("patch: zero-length range for %q", name)
	}
	if replacement != nil && uint32(len(replacement)) != rng.Size {
		return fmt.Errorf("patch: replacement for %q is %d bytes, range is %d bytes", name, len(replacement), rng.Size)
	}

	i := sort.Search(len(a.patches), func(i int) bool {
		return a.patches[i].Range.Start >= rng.Start
	})
	if i > 0 && a.patches[i-1].Range.Overlaps(rng) {
		return fmt.Errorf("%w: %q at [%d,%d) overlaps %q at [%d,%d)", ErrConflict, name, rng.Start, rng.End(), a.patches[i-1].Name, a.patches[i-1].Range.Start, a.patches[i-1].Range.End())
	}
	if i < len(a.patches) && a.patches[i].Range.Overlaps(rng) {
		return fmt.Errorf("%w: %q at [%d,%d) overlaps %q at [%d,%d)", ErrConflict, name, rng.Start, rng.End(), a.patches[i].Name, a.patches[i].Range.Start, a.patches[i].Range.End())
	}

	p := Patch{Range: rng, Name: name}
	if replacement != nil {
		p.Replacement = append([]byte(nil), replacement...)
	}
	a.patches = append(a.patches, Patch{})
	copy(a.patches[i+1:], a.patches[i:])
	a.patches[i] = p
	return nil
}

// Patches returns every recorded patch, in ascending order of Range.Start.
func (a *AddressSpace) Patches() []Patch {
	return a.patches
}

// Len returns the number of patches recorded.
func (a *AddressSpace) Len() int { return len(a.patches) }

// Masked reports whether any byte of [off, off+size) falls inside a
// recorded patch range, regardless of whether that patch carries
// replacement bytes. The content GUID deriver uses this to decide which
// bytes to exclude from its hash.
func (a *AddressSpace) Masked(off, size uint32) bool {
	rng := Range{Start: off, Size: size}
	// Ranges are sorted and non-overlapping; a linear scan is simplest
	// and the patch count is always small (single digits).
	for _, p := range a.patches {
		if p.Range.Overlaps(rng) {
			return true
		}
	}
	return false
}
