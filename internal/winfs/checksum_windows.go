// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build windows

package winfs

//go:generate go run golang.org/x/sys/windows/mkwinsyscall -output zsyscall_windows.go checksum_windows.go
//go:generate go run golang.org/x/tools/cmd/goimports -w zsyscall_windows.go

import (
	"fmt"

	"golang.org/x/sys/windows"
)

//sys mapFileAndCheckSumW(fileName *uint16, headerSum *uint32, checkSum *uint32) (win32err error) = imagehlp.MapFileAndCheckSumW

// UpdateFileChecksum recomputes path's PE checksum using the same
// imagehlp.dll routine link.exe itself calls, rather than reimplementing
// the checksum algorithm, then stamps the 4 bytes at checksumOffset
// with the result.
func UpdateFileChecksum(path string, checksumOffset int64) error {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return fmt.Errorf("winfs: encoding path: %w", err)
	}
	var headerSum, checkSum uint32
	if err := mapFileAndCheckSumW(pathPtr, &headerSum, &checkSum); err != nil {
		return fmt.Errorf("winfs: MapFileAndCheckSumW: %w", err)
	}
	return writeChecksum(path, checksumOffset, checkSum)
}
