// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package msf

import "errors"

var (
	// ErrMalformed is returned when a container's superblock or stream
	// directory does not parse as valid MSF.
	ErrMalformed = errors.New("msf: malformed container")

	// ErrStreamIndex is returned when a stream index is out of range.
	ErrStreamIndex = errors.New("msf: stream index out of range")

	// ErrIO is returned when writing a serialized container fails partway.
	ErrIO = errors.New("msf: I/O error writing container")
)
