// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package zaptimestamp

import (
	"encoding/binary"
	"fmt"
)

// GUID is a 16-byte Windows GUID, stored in its canonical wire layout
// (Data1/Data2/Data3 little-endian, Data4 as raw bytes). It is used both
// for the PDB's own signature and, once derived, as the new value
// stamped into the PE image's CodeView record.
type GUID [16]byte

// NewGUIDFromDigest interprets the first 16 bytes of digest as a GUID.
// It is used to turn a content hash into a PDB signature; digest must be
// at least 16 bytes long.
func NewGUIDFromDigest(digest []byte) GUID {
	var g GUID
	copy(g[:], digest[:16])
	return g
}

// String formats g in the canonical
// XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX form.
func (g GUID) String() string {
	data1 := binary.LittleEndian.Uint32(g[0:4])
	data2 := binary.LittleEndian.Uint16(g[4:6])
	data3 := binary.LittleEndian.Uint16(g[6:8])
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		data1, data2, data3,
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
}

// Equal reports whether g and o are byte-for-byte identical.
func (g GUID) Equal(o GUID) bool {
	return g == o
}
