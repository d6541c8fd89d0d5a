// Package fw holds the firmware-specific constants the core transport and
// LMP monitor treat as an external data table: ROM/RAM addresses,
// connection-struct layout, and LMP opcode length tables. None of this is
// derived — it is lifted from the target firmware image the way the
// interactive shell's command modules would load it, and is named here
// only by the interface the core consumes (spec.md §1).
//
// The values below target the BCM4339 firmware InternalBlue itself was
// built against; a different chip revision would supply a different fw
// table without changing any core algorithm.
package fw

// Vendor HCI opcodes for controller RAM access (spec.md §4.4/§6).
const (
	OpcodeWriteRAM  = 0xFC4C
	OpcodeReadRAM   = 0xFC4D
	OpcodeLaunchRAM = 0xFC4E
)

// MaxChunkSize is the largest payload a single read/write RAM command can
// carry, per spec.md §4.4.
const MaxChunkSize = 251

// Patchram layout (spec.md §3/§4.4/§9).
const (
	PatchValueTableBase  = 0xD0000
	PatchTargetTableBase = 0x310000
	PatchEnableBitfield  = 0x310204
	PatchSlotWords       = 5
	PatchSlotCount       = PatchSlotWords * 32
)

// LMP monitor hook addresses (spec.md §4.5), taken directly from the
// original tool's injected-hook constants.
const (
	HookBaseAddress       = 0xD7600
	DataBaseAddress       = 0xD7700
	RingEntryCount         = 32
	RingEntrySize          = 32
	RecvPatchTargetAddress = 0x3F3F4
	RecvReturnAddress      = 0x3F3F8
	LMPSendPacketHook      = 0x3F400
)

// send_lmp_packet scratch addresses (spec.md §4.6).
const (
	SendCodeAddress = 0xD7500
	SendDataAddress = 0xD7580
)

// Firmware entry points and buffers the injected send/recv LMP hooks and
// the send_LMP_packet trampoline call into directly. Lifted verbatim from
// the original tool's hardcoded hook/trampoline addresses (spec.md §4.5/
// §4.6; original_source/.../brcm_bt.py:290-341 for the hook bodies,
// brcm_bt.py:730-745 for the trampoline).
const (
	// LMPRecvBufferAddress is the firmware pointer-to-pointer the recv
	// hook reads to find the in-flight LMP receive buffer.
	LMPRecvBufferAddress = 0x200478
	// MemcpyAddress is the firmware's memcpy entry point, called by both
	// hook bodies and the send trampoline.
	MemcpyAddress = 0x2e03c
	// AllocBufferAddress allocates and zeroes a 0x20-byte firmware
	// buffer for an outbound LMP packet.
	AllocBufferAddress = 0x3F17E
	// FindConnectionAddress resolves a connection number to its
	// connection struct pointer.
	FindConnectionAddress = 0x42c04
	// SendLMPPacketEntryAddress is the firmware's send_LMP_packet
	// routine.
	SendLMPPacketEntryAddress = 0xf81a
)

// Connection struct layout (spec.md §3).
const (
	ConnectionStructLength  = 0x68
	ConnectionArrayAddress  = 0x200000
	ConnectionArraySize     = 11
	ConnOffsetNumber        = 0x00
	ConnOffsetFlags         = 0x1C
	ConnOffsetMasterBit     = 15
	ConnOffsetPeerAddr      = 0x28
	ConnOffsetRemoteNamePtr = 0x4C
	PeerAddrLen             = 6
)

// BDAddr is the controller's own Bluetooth device address, as a 6-byte
// firmware-resident buffer.
const BDAddrAddress = 0x280CD8

// LMPLengths maps a primary LMP opcode to its total packet length
// (opcode byte included). LMPEscLengths is indexed the same way for
// escape opcodes (primary opcodes 0x7C-0x7F, real opcode in the next byte).
var LMPLengths = map[uint8]int{
	0x01: 2, 0x02: 17, 0x03: 2, 0x04: 2, 0x05: 2, 0x06: 2, 0x07: 2,
	0x08: 2, 0x09: 2, 0x0A: 2, 0x0B: 17, 0x0C: 2, 0x0D: 2, 0x0E: 2,
	0x0F: 2, 0x10: 2, 0x11: 2, 0x12: 2, 0x13: 2, 0x14: 2, 0x15: 6,
	0x16: 2, 0x17: 9, 0x18: 2, 0x19: 2, 0x1A: 9, 0x1B: 2, 0x1C: 2,
	0x1D: 2, 0x1E: 1, 0x1F: 1, 0x20: 1, 0x21: 1, 0x22: 1, 0x23: 1,
	0x24: 1, 0x25: 1, 0x26: 1, 0x27: 1, 0x28: 1, 0x29: 1, 0x2A: 1,
	0x2B: 5, 0x2C: 2, 0x2D: 3, 0x2E: 2, 0x2F: 7, 0x30: 5, 0x31: 9,
	0x32: 2, 0x33: 2, 0x34: 2, 0x35: 2, 0x36: 16, 0x37: 2, 0x38: 2,
	0x39: 1, 0x3A: 9, 0x3B: 2, 0x3C: 2, 0x3D: 2, 0x3E: 6, 0x3F: 2,
	0x40: 3, 0x41: 2,
}

// ConnectionInfo is the decoded subset of a firmware connection struct
// that the core consumes (spec.md §3).
type ConnectionInfo struct {
	Number        uint32
	Master        bool
	PeerAddress   [PeerAddrLen]byte
	RemoteNamePtr uint32
}

// LMPEscLengths maps escape-opcode (payload[5]) to total packet length.
var LMPEscLengths = map[uint8]int{
	0x01: 16, 0x02: 2, 0x03: 9, 0x04: 2, 0x05: 2, 0x06: 2, 0x07: 9,
	0x08: 16, 0x09: 11, 0x0A: 2, 0x0B: 9, 0x0C: 7, 0x0D: 9, 0x0E: 2,
	0x0F: 2, 0x10: 2, 0x11: 2, 0x12: 9, 0x13: 2, 0x14: 1, 0x15: 2,
	0x16: 2, 0x17: 9, 0x18: 2, 0x19: 2, 0x1A: 2, 0x1B: 6, 0x1C: 2,
	0x1D: 1, 0x1E: 3, 0x1F: 1, 0x20: 11, 0x21: 2,
}
