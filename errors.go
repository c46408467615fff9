// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package zaptimestamp

import "errors"

// Sentinel errors returned (possibly wrapped, always reachable via
// errors.Is) by every stage of the zap pipeline. Callers that need to
// react to a specific failure mode should compare against these rather
// than against error strings or the lower-level errors from the pe, msf,
// or pdb packages, which are considered internal implementation detail.
var (
	// ErrIO covers failures reading, writing, or replacing a file that
	// are not explained by any of the more specific errors below,
	// including any short read or short write encountered while
	// stamping patches into place.
	ErrIO = errors.New("zaptimestamp: I/O error")

	// ErrMalformedPE indicates that the input PE image could not be
	// parsed or decomposed.
	ErrMalformedPE = errors.New("zaptimestamp: malformed PE image")

	// ErrMalformedPDB indicates that the input PDB's MSF container
	// could not be parsed.
	ErrMalformedPDB = errors.New("zaptimestamp: malformed PDB container")

	// ErrMalformedDBI indicates that the PDB's DBI stream could not be
	// parsed.
	ErrMalformedDBI = errors.New("zaptimestamp: malformed DBI stream")

	// ErrMissingReference indicates that a field expected to reference
	// another structure in the image could not be resolved.
	ErrMissingReference = errors.New("zaptimestamp: missing structural reference")

	// ErrTruncatedStructure indicates that a fixed-size structure
	// extends past the end of the block or stream that should contain
	// it.
	ErrTruncatedStructure = errors.New("zaptimestamp: truncated structure")

	// ErrPatchConflict indicates that two fields the field marker
	// wanted to change overlap the same file bytes.
	ErrPatchConflict = errors.New("zaptimestamp: conflicting patch ranges")

	// ErrMultipleCodeView indicates that the PE image's debug directory
	// contains more than one CodeView entry, which this tool cannot
	// disambiguate.
	ErrMultipleCodeView = errors.New("zaptimestamp: image has more than one CodeView debug entry")

	// ErrMissingCodeView indicates that the PE image's debug directory
	// contains no CodeView entry at all.
	ErrMissingCodeView = errors.New("zaptimestamp: image has no CodeView debug entry")

	// ErrPeAndPdbMismatch indicates that the PDB's own CodeView GUID and
	// age do not match the values referenced by the PE image, meaning
	// the two files were not built together.
	ErrPeAndPdbMismatch = errors.New("zaptimestamp: PE image and PDB do not match")

	// ErrOutputExists indicates that a requested output path already
	// exists and the caller did not ask to overwrite it.
	ErrOutputExists = errors.New("zaptimestamp: output path already exists")

	// ErrBadConfig indicates that the Zapper was constructed with an
	// invalid combination of options.
	ErrBadConfig = errors.New("zaptimestamp: invalid configuration")
)
