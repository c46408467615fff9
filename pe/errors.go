// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package pe

import "errors"

var (
	// ErrTruncatedStructure is returned when a typed view's backing
	// block is too short to hold the structure being addressed.
	ErrTruncatedStructure = errors.New("pe: structure extends past end of block")

	// ErrMissingReference is returned by Dereference when the
	// mini-decomposer did not resolve a reference at the requested
	// field offset, typically because the field points into a region
	// of the image that was never decomposed into blocks.
	ErrMissingReference = errors.New("pe: no resolved reference at requested field")
)
