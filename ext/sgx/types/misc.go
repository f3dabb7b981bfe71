package types

import (
	"encoding/binary"
)

// MiscSelect is the enclave MISCSELECT bit vector. It selects which extra
// information the hardware saves to the MISC region of the SSA frame when
// an asynchronous exit occurs.
type MiscSelect uint32

// MiscSelectEXINFO requests page fault and general protection exception
// information for faults inside the enclave.
const MiscSelectEXINFO MiscSelect = 1 << 0

// Marshal serializes the selector to its 4-byte hardware representation.
func (m MiscSelect) Marshal() [4]byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], uint32(m))
	return out
}

// MiscSelectFromBytes decodes the 4-byte hardware representation.
func MiscSelectFromBytes(raw [4]byte) MiscSelect {
	return MiscSelect(binary.LittleEndian.Uint32(raw[:]))
}
