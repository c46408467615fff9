// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package mark

import "errors"

var (
	// ErrMultipleCodeView is returned when a PE image's debug directory
	// contains more than one CodeView entry.
	ErrMultipleCodeView = errors.New("mark: image has more than one CodeView debug entry")

	// ErrMissingCodeView is returned when a PDB path was supplied but
	// the PE image's debug directory contains no CodeView entry to
	// match it against.
	ErrMissingCodeView = errors.New("mark: image has no CodeView debug entry")
)
