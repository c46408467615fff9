// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package winfs implements the two filesystem primitives the commit
// phase needs that plain os.Rename can't guarantee everywhere:
// replacing a file atomically even when the destination already
// exists, and comparing two open files for identity rather than just
// equal paths. A Windows build backs both with real Win32 APIs; the
// portable build underneath falls back to os.Rename and os.SameFile
// for development and testing off Windows.
package winfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// ErrCrossDevice is returned by the Windows AtomicReplace when
// MoveFileExW reports that source and destination are on different
// volumes. The portable AtomicReplace returns os.Rename's own error
// for that case instead.
var ErrCrossDevice = errors.New("winfs: cannot atomically replace across volumes")

// writeChecksum stamps a little-endian uint32 at offset in path. Shared
// by both the Win32 and portable UpdateFileChecksum implementations, so
// only the checksum computation itself differs between them.
func writeChecksum(path string, offset int64, checksum uint32) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("winfs: opening %s for checksum write: %w", path, err)
	}
	defer f.Close()

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], checksum)
	if _, err := f.WriteAt(b[:], offset); err != nil {
		return fmt.Errorf("winfs: writing checksum: %w", err)
	}
	return nil
}
