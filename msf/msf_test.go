// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package msf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newSyntheticFile() *File {
	return New(512, [][]byte{
		[]byte("stream zero"),
		nil,                               // unused stream
		bytes.Repeat([]byte{0x7A}, 1500), // spans multiple blocks
		{},
	})
}

func TestSaveThenOpenRoundTrips(t *testing.T) {
	f := newSyntheticFile()
	path := filepath.Join(t.TempDir(), "test.pdb")

	if err := Save(f, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if reopened.NumStreams() != f.NumStreams() {
		t.Fatalf("NumStreams() = %d, want %d", reopened.NumStreams(), f.NumStreams())
	}

	for i, want := range f.streams {
		got, err := reopened.Stream(i)
		if err != nil {
			t.Fatalf("Stream(%d): %v", i, err)
		}
		if want == nil {
			if got != nil {
				t.Errorf("stream %d: got %v, want nil (unused)", i, got)
			}
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("stream %d = %x, want %x", i, got, want)
		}
	}
}

func TestReplaceStream(t *testing.T) {
	f := newSyntheticFile()
	if err := f.ReplaceStream(0, []byte("new contents")); err != nil {
		t.Fatalf("ReplaceStream: %v", err)
	}
	got, err := f.Stream(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new contents" {
		t.Errorf("Stream(0) = %q, want %q", got, "new contents")
	}
}

func TestReplaceStreamOutOfRange(t *testing.T) {
	f := newSyntheticFile()
	if err := f.ReplaceStream(99, []byte("x")); err == nil {
		t.Fatal("expected an error for an out-of-range index")
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pdb")
	data := bytes.Repeat([]byte{0}, 512)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected an error opening a file with no MSF magic")
	}
}
