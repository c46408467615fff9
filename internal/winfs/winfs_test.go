// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !windows

package winfs

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := AtomicReplace(src, dst); err != nil {
		t.Fatalf("AtomicReplace: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new" {
		t.Errorf("dst = %q, want %q", got, "new")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("src still exists after replace")
	}
}

func TestSameFile(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a")
	pathB := filepath.Join(dir, "b")
	if err := os.WriteFile(pathA, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pathB, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	fa, err := os.Open(pathA)
	if err != nil {
		t.Fatal(err)
	}
	defer fa.Close()
	faAgain, err := os.Open(pathA)
	if err != nil {
		t.Fatal(err)
	}
	defer faAgain.Close()
	fb, err := os.Open(pathB)
	if err != nil {
		t.Fatal(err)
	}
	defer fb.Close()

	same, err := SameFile(fa, faAgain)
	if err != nil {
		t.Fatalf("SameFile: %v", err)
	}
	if !same {
		t.Error("SameFile(a, a) = false, want true")
	}

	same, err = SameFile(fa, fb)
	if err != nil {
		t.Fatalf("SameFile: %v", err)
	}
	if same {
		t.Error("SameFile(a, b) = true, want false")
	}
}

func TestUpdateFileChecksumIsStableWhenRecomputed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")

	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i * 7)
	}
	const checksumOffset = 16
	binary.LittleEndian.PutUint32(data[checksumOffset:], 0) // must start zero
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := UpdateFileChecksum(path, checksumOffset); err != nil {
		t.Fatalf("UpdateFileChecksum: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	firstSum := binary.LittleEndian.Uint32(first[checksumOffset:])
	if firstSum == 0 {
		t.Fatal("checksum was not stamped")
	}

	// Recomputing against a file that already contains a nonzero
	// checksum should reset it back to zero internally before summing,
	// so the result is stable rather than growing without bound.
	if err := UpdateFileChecksum(path, checksumOffset); err != nil {
		t.Fatalf("UpdateFileChecksum (second run): %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	secondSum := binary.LittleEndian.Uint32(second[checksumOffset:])
	if secondSum != firstSum {
		t.Errorf("checksum not idempotent: first=%d second=%d", firstSum, secondSum)
	}
}
