// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package pdb

import "errors"

var (
	// ErrMalformedDBI is returned when the DBI stream's header does not
	// parse as a recognized DBI version.
	ErrMalformedDBI = errors.New("pdb: malformed DBI stream")

	// ErrMalformedInfo is returned when the PDB info stream is too
	// small to hold its fixed header.
	ErrMalformedInfo = errors.New("pdb: malformed PDB info stream")
)
