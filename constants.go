// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package zaptimestamp

// DeterministicTimestamp is the fixed Unix timestamp (2010-01-01
// 00:00:00 UTC) stamped into every TimeDateStamp field the field marker
// touches, in place of the build's actual timestamp.
const DeterministicTimestamp uint32 = 1262304000

// DeterministicAge is the fixed PDB age stamped into both the PE
// image's CodeView record and the PDB's own header and DBI streams.
const DeterministicAge uint32 = 1
