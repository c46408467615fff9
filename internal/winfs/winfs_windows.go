// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build windows

package winfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// AtomicReplace moves src onto dst, replacing dst if it already exists,
// using MoveFileExW so the replacement is atomic from the point of view
// of any other process observing dst.
func AtomicReplace(src, dst string) error {
	srcPtr, err := windows.UTF16PtrFromString(src)
	if err != nil {
		return fmt.Errorf("winfs: encoding source path: %w", err)
	}
	dstPtr, err := windows.UTF16PtrFromString(dst)
	if err != nil {
		return fmt.Errorf("winfs: encoding destination path: %w", err)
	}
	flags := uint32(windows.MOVEFILE_REPLACE_EXISTING | windows.MOVEFILE_WRITE_THROUGH)
	if err := windows.MoveFileEx(srcPtr, dstPtr, flags); err != nil {
		if err == windows.ERROR_NOT_SAME_DEVICE {
			return fmt.Errorf("%w: %v", ErrCrossDevice, err)
		}
		return fmt.Errorf("winfs: MoveFileEx: %w", err)
	}
	return nil
}

// SameFile reports whether a and b, once opened, refer to the same
// underlying file, using the volume-serial-number plus file-index pair
// GetFileInformationByHandle exposes as the canonical identity of an
// open file on Windows.
func SameFile(a, b *os.File) (bool, error) {
	ai, err := fileIdentity(a)
	if err != nil {
		return false, err
	}
	bi, err := fileIdentity(b)
	if err != nil {
		return false, err
	}
	return ai == bi, nil
}

type fileID struct {
	volumeSerial uint32
	indexHigh    uint32
	indexLow     uint32
}

func fileIdentity(f *os.File) (fileID, error) {
	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(windows.Handle(f.Fd()), &info); err != nil {
		return fileID{}, fmt.Errorf("winfs: GetFileInformationByHandle: %w", err)
	}
	return fileID{
		volumeSerial: info.VolumeSerialNumber,
		indexHigh:    info.FileIndexHigh,
		indexLow:     info.FileIndexLow,
	}, nil
}
