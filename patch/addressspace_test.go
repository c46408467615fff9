// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package patch

import (
	"errors"
	"testing"
)

func TestInsertAndOrder(t *testing.T) {
	a := New()
	if err := a.Insert(Range{Start: 100, Size: 4}, []byte{1, 2, 3, 4}, "b"); err != nil {
		t.Fatal(err)
	}
	if err := a.Insert(Range{Start: 10, Size: 4}, []byte{1, 2, 3, 4}, "a"); err != nil {
		t.Fatal(err)
	}
	if err := a.Insert(Range{Start: 200, Size: 4}, nil, "c"); err != nil {
		t.Fatal(err)
	}

	got := a.Patches()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Name != want {
			t.Errorf("patches[%d].Name = %q, want %q", i, got[i].Name, want)
		}
	}
}

func TestInsertConflict(t *testing.T) {
	a := New()
	if err := a.Insert(Range{Start: 100, Size: 8}, nil, "first"); err != nil {
		t.Fatal(err)
	}
	err := a.Insert(Range{Start: 104, Size: 4}, nil, "second")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestInsertRejectsMismatchedReplacementLength(t *testing.T) {
	a := New()
	if err := a.Insert(Range{Start: 0, Size: 4}, []byte{1, 2}, "x"); err == nil {
		t.Fatal("expected error for mismatched replacement length")
	}
}

func TestInsertRejectsZeroLength(t *testing.T) {
	a := New()
	if err := a.Insert(Range{Start: 0, Size: 0}, nil, "x"); err == nil {
		t.Fatal("expected error for zero-length range")
	}
}

func TestMasked(t *testing.T) {
	a := New()
	if err := a.Insert(Range{Start: 100, Size: 4}, nil, "x"); err != nil {
		t.Fatal(err)
	}
	if !a.Masked(98, 4) {
		t.Error("Masked(98,4) = false, want true (overlaps [100,104))")
	}
	if a.Masked(0, 50) {
		t.Error("Masked(0,50) = true, want false")
	}
}
