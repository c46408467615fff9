// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !windows

package winfs

import (
	"fmt"
	"os"
)

// AtomicReplace moves src onto dst via os.Rename, which is atomic on
// every platform this fallback targets as long as both paths share a
// filesystem.
func AtomicReplace(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("winfs: rename: %w", err)
	}
	return nil
}

// SameFile reports whether a and b refer to the same underlying file,
// via os.SameFile's stat-based device+inode comparison.
func SameFile(a, b *os.File) (bool, error) {
	fa, err := a.Stat()
	if err != nil {
		return false, fmt.Errorf("winfs: stat: %w", err)
	}
	fb, err := b.Stat()
	if err != nil {
		return false, fmt.Errorf("winfs: stat: %w", err)
	}
	return os.SameFile(fa, fb), nil
}
