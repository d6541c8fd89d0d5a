package lmp

import (
	"fmt"
	"time"

	"github.com/bot6/internalblue/fw"
	"github.com/bot6/internalblue/hci"
	"github.com/bot6/internalblue/mem"
)

// ReadConnectionInfo reads and decodes the firmware connection struct for
// connNum (spec.md §2 item 10 / §3).
func ReadConnectionInfo(c mem.Commander, connNum uint8, timeout time.Duration) (fw.ConnectionInfo, error) {
	if connNum == 0 || int(connNum) > fw.ConnectionArraySize {
		return fw.ConnectionInfo{}, fmt.Errorf("lmp: connection number %d out of range", connNum)
	}
	base := fw.ConnectionArrayAddress + uint32(connNum-1)*fw.ConnectionStructLength

	data, _, err := mem.ReadMem(c, base, fw.ConnectionStructLength, timeout, nil)
	if err != nil {
		return fw.ConnectionInfo{}, fmt.Errorf("lmp: read connection struct %d: %w", connNum, err)
	}

	info := fw.ConnectionInfo{
		Number:        hci.U32LE(data[fw.ConnOffsetNumber : fw.ConnOffsetNumber+4]),
		Master:        hci.U32LE(data[fw.ConnOffsetFlags:fw.ConnOffsetFlags+4])&(1<<fw.ConnOffsetMasterBit) != 0,
		RemoteNamePtr: hci.U32LE(data[fw.ConnOffsetRemoteNamePtr : fw.ConnOffsetRemoteNamePtr+4]),
	}
	peer := data[fw.ConnOffsetPeerAddr : fw.ConnOffsetPeerAddr+fw.PeerAddrLen]
	for i, b := range peer {
		info.PeerAddress[fw.PeerAddrLen-1-i] = b
	}
	return info, nil
}

// buildLMPPacketBytes renders the on-air packet bytes for opcode/payload,
// given the transaction-id bit derived from the connection's master flag.
// extended selects the escape-opcode form (spec.md §4.6); it is always an
// explicit parameter here, resolving spec.md §9's "args.ext global" bug
// (SPEC_FULL.md §4.10).
func buildLMPPacketBytes(opcode uint8, payload []byte, tid bool, extended bool) []byte {
	var tidBit uint8
	if tid {
		tidBit = 1
	}
	if extended {
		out := make([]byte, 0, 2+len(payload))
		out = append(out, (0x7F<<1)|tidBit, opcode)
		return append(out, payload...)
	}
	out := make([]byte, 0, 1+len(payload))
	out = append(out, (opcode<<1)|tidBit)
	return append(out, payload...)
}

// sendLMPPacketPayloadSize is the fixed scratch-data size the injected
// send routine copies from (spec.md §4.6: "padded to 20 bytes with
// zeros").
const sendLMPPacketPayloadSize = 20

// padPacketBytes pads (or truncates, if malformed input is longer than the
// scratch buffer) packet to exactly sendLMPPacketPayloadSize bytes.
func padPacketBytes(packet []byte) []byte {
	out := make([]byte, sendLMPPacketPayloadSize)
	n := copy(out, packet)
	_ = n
	return out
}

// SendLMPPacket transmits a crafted LMP frame to the peer on connNum: it
// reads the connection struct to derive the transaction-id bit, builds
// the packet bytes, assembles a small thumb routine that asks the
// firmware allocator for a buffer, copies the packet bytes in, and calls
// the firmware's send_LMP_packet routine, then writes the scratch data
// and code and launches it (spec.md §4.6).
func (m *Monitor) SendLMPPacket(connNum uint8, opcode uint8, payload []byte, extended bool, timeout time.Duration) error {
	info, err := ReadConnectionInfo(m.commander, connNum, timeout)
	if err != nil {
		return err
	}

	packet := buildLMPPacketBytes(opcode, payload, !info.Master, extended)
	data := padPacketBytes(packet)

	if err := mem.WriteMem(m.commander, fw.SendDataAddress, data, timeout, nil); err != nil {
		return fmt.Errorf("lmp: send lmp packet: write scratch data: %w", err)
	}

	code, err := m.assembleSendRoutine(connNum)
	if err != nil {
		return fmt.Errorf("lmp: send lmp packet: assemble: %w", err)
	}
	if err := mem.WriteMem(m.commander, fw.SendCodeAddress, code, timeout, nil); err != nil {
		return fmt.Errorf("lmp: send lmp packet: write scratch code: %w", err)
	}

	if err := mem.LaunchRAM(m.commander, fw.SendCodeAddress, timeout); err != nil {
		return fmt.Errorf("lmp: send lmp packet: launch: %w", err)
	}
	return nil
}

// assembleSendRoutine renders the thumb source for the one-shot
// send_LMP_packet trampoline (spec.md §4.6) and assembles it at
// fw.SendCodeAddress.
func (m *Monitor) assembleSendRoutine(connNum uint8) ([]byte, error) {
	src := fmt.Sprintf(sendRoutineTemplate,
		fw.AllocBufferAddress, fw.SendDataAddress, fw.MemcpyAddress,
		connNum, fw.FindConnectionAddress, fw.SendLMPPacketEntryAddress)
	return m.assembler.Assemble(m.ctx, src, fw.SendCodeAddress)
}

// sendRoutineTemplate is the thumb trampoline skeleton: allocate a
// firmware buffer, copy the scratch packet bytes at buffer+0xC, ask the
// firmware to resolve the connection struct for the given connection
// number, and call the firmware's send_LMP_packet entry point (spec.md
// §4.6). Every callee is addressed directly by its real firmware entry
// point, not by a bare symbolic label, matching the original's hardcoded
// addresses (original_source/.../brcm_bt.py:726-746).
const sendRoutineTemplate = `
	.syntax unified
	.thumb
	.text
	push {r4, lr}

	bl %#x                   @ malloc_0x20_bloc_buffer_memzero
	mov r4, r0

	adds r0, r0, #0xC
	ldr r1, =%#x             @ scratch data holding the packet bytes
	movs r2, #20
	bl %#x                   @ memcpy

	movs r0, #%d             @ connection number
	bl %#x                   @ find connection struct from conn nr

	mov r1, r4
	pop {r4, lr}
	b %#x                    @ send_LMP_packet
`
