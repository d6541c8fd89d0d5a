// Package hci implements the byte-level codec and frame model for the
// Broadcom vendor HCI protocol: little-endian payload fields, big-endian
// snoop headers, and the tagged Command/Event/ACL/SCO frame sum.
package hci

import "encoding/binary"

// PutU16LE appends v to b in little-endian order.
func PutU16LE(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

// PutU32LE appends v to b in little-endian order.
func PutU32LE(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// U16LE decodes a little-endian uint16 from the first two bytes of b.
func U16LE(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

// U32LE decodes a little-endian uint32 from the first four bytes of b.
func U32LE(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// U16BE decodes a big-endian uint16, used by snoop record headers.
func U16BE(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

// U32BE decodes a big-endian uint32, used by snoop record headers.
func U32BE(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// I64BE decodes a big-endian signed 64-bit integer (snoop time64).
func I64BE(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
