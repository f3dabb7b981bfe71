// Package types holds the fixed-layout SGX enclave configuration
// structures exchanged with hardware-adjacent consumers.
//
// The shapes are mandated by the Intel SDM (ATTRIBUTES: Section 38.7.1,
// MISCSELECT: Section 38.7.2) and are a byte-for-byte contract, not a
// convenience: in-memory layout, total size, and field offsets are pinned
// by layout tests.
package types

import (
	"encoding/binary"
)

// Flags is the FLAGS half of the enclave ATTRIBUTES structure.
type Flags uint64

const (
	// FlagsInit is set once the enclave has been initialized by EINIT.
	FlagsInit Flags = 1 << 0
	// FlagsDebug permits a debugger to read and write enclave data.
	FlagsDebug Flags = 1 << 1
	// FlagsMode64Bit marks an enclave running in 64-bit mode.
	FlagsMode64Bit Flags = 1 << 2
	// FlagsProvisionKey makes the provisioning key available from EGETKEY.
	FlagsProvisionKey Flags = 1 << 4
	// FlagsEInitKey makes the EINIT token key available from EGETKEY.
	FlagsEInitKey Flags = 1 << 5
	// FlagsCET enables Control-flow Enforcement Technology attributes.
	FlagsCET Flags = 1 << 6
	// FlagsKSS enables Key Separation and Sharing.
	FlagsKSS Flags = 1 << 7
)

// Xfrm is the XFRM half of the enclave ATTRIBUTES structure, selecting
// which CPU extended-state categories the enclave requires.
type Xfrm uint64

const (
	// XfrmX87 selects x87 FPU/MMX state. Must always be set.
	XfrmX87 Xfrm = 1 << 0
	// XfrmSSE selects MXCSR and XMM registers.
	XfrmSSE Xfrm = 1 << 1
	// XfrmAVX selects the YMM registers.
	XfrmAVX Xfrm = 1 << 2
	// XfrmBNDREG selects the MPX BND registers.
	XfrmBNDREG Xfrm = 1 << 3
	// XfrmBNDCSR selects the MPX BNDCFGU and BNDSTATUS registers.
	XfrmBNDCSR Xfrm = 1 << 4
	// XfrmOpmask selects the AVX-512 opmask registers.
	XfrmOpmask Xfrm = 1 << 5
	// XfrmZMMHi256 selects the upper halves of the lower ZMM registers.
	XfrmZMMHi256 Xfrm = 1 << 6
	// XfrmHi16ZMM selects the upper ZMM registers.
	XfrmHi16ZMM Xfrm = 1 << 7
	// XfrmPKRU selects the protection-keys PKRU register.
	XfrmPKRU Xfrm = 1 << 9
	// XfrmCETUser selects CET user state.
	XfrmCETUser Xfrm = 1 << 11
	// XfrmCETSupervisor selects CET supervisor state.
	XfrmCETSupervisor Xfrm = 1 << 12
)

// DefaultFlags and DefaultXfrm are the minimum hardware-required baseline.
const (
	DefaultFlags = FlagsMode64Bit
	DefaultXfrm  = XfrmX87 | XfrmSSE
)

// attrWord is one 64-bit attribute field stored as two little-endian
// 32-bit halves. The hardware packs ATTRIBUTES on a 4-byte boundary,
// which a plain uint64 field cannot reproduce in Go.
type attrWord [2]uint32

func attrWordOf(v uint64) attrWord {
	return attrWord{uint32(v), uint32(v >> 32)}
}

func (w attrWord) value() uint64 {
	return uint64(w[0]) | uint64(w[1])<<32
}

// Attributes is the enclave ATTRIBUTES structure: 16 bytes, 4-byte
// aligned, FLAGS at offset 0 and XFRM at offset 8. It is an immutable
// value; bitwise operations return new values.
type Attributes struct {
	flags attrWord
	xfrm  attrWord
}

// NewAttributes builds an Attributes value from its two components.
func NewAttributes(flags Flags, xfrm Xfrm) Attributes {
	return Attributes{flags: attrWordOf(uint64(flags)), xfrm: attrWordOf(uint64(xfrm))}
}

// DefaultAttributes returns the hardware-required baseline: a 64-bit
// enclave with x87 and SSE state.
func DefaultAttributes() Attributes {
	return NewAttributes(DefaultFlags, DefaultXfrm)
}

// Flags returns the FLAGS component.
func (a Attributes) Flags() Flags {
	return Flags(a.flags.value())
}

// Xfrm returns the XFRM component.
func (a Attributes) Xfrm() Xfrm {
	return Xfrm(a.xfrm.value())
}

// Marshal serializes the structure to its exact in-memory representation.
func (a Attributes) Marshal() [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], a.flags.value())
	binary.LittleEndian.PutUint64(out[8:16], a.xfrm.value())
	return out
}

// AttributesFromBytes decodes the 16-byte hardware representation.
func AttributesFromBytes(raw [16]byte) Attributes {
	return NewAttributes(
		Flags(binary.LittleEndian.Uint64(raw[0:8])),
		Xfrm(binary.LittleEndian.Uint64(raw[8:16])),
	)
}

// Not returns the componentwise complement.
func (a Attributes) Not() Attributes {
	return NewAttributes(^a.Flags(), ^a.Xfrm())
}

// And returns the componentwise conjunction.
func (a Attributes) And(b Attributes) Attributes {
	return NewAttributes(a.Flags()&b.Flags(), a.Xfrm()&b.Xfrm())
}

// Or returns the componentwise disjunction.
func (a Attributes) Or(b Attributes) Attributes {
	return NewAttributes(a.Flags()|b.Flags(), a.Xfrm()|b.Xfrm())
}

// Xor returns the componentwise exclusive disjunction.
func (a Attributes) Xor(b Attributes) Attributes {
	return NewAttributes(a.Flags()^b.Flags(), a.Xfrm()^b.Xfrm())
}
