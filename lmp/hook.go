package lmp

import "github.com/bot6/internalblue/fw"

// hookRegionSize bounds how many bytes of the hook code region are saved
// and restored around an install/uninstall cycle (spec.md §4.5: "save...
// the full hook region"). The two hook functions plus the dispatch
// prelude comfortably fit in this many bytes; it is not a firmware
// constant, just headroom for this package's own generated code.
const hookRegionSize = 256

// ringTotalSize is the byte span covering the ring's global counter and
// all fw.RingEntryCount entries (spec.md §3).
const ringTotalSize = 4 + fw.RingEntryCount*fw.RingEntrySize

// recvTargetPatch is the exact bytes patched over the firmware's
// recv-path read at fw.RecvPatchTargetAddress (spec.md §4.5 INSTALLING,
// step (b)): a 32-bit thumb-2 unconditional branch (B.W) to hookBase+5,
// which fills the 4-byte patch word exactly.
func recvTargetPatch(hookBase uint32) []byte {
	hw1, hw2 := thumbBranch(fw.RecvPatchTargetAddress, hookBase+5)
	return []byte{byte(hw1), byte(hw1 >> 8), byte(hw2), byte(hw2 >> 8)}
}

// thumbBranch encodes a 32-bit thumb-2 unconditional B.W instruction
// (encoding T4) at fromAddr targeting toAddr, returned as its two
// half-words in instruction order. The branch is relative to fromAddr+4
// and bit 0 of the offset is dropped; the signed 25-bit immediate covers
// a ±16MB span, which the fixed fw addresses this package uses fall within.
func thumbBranch(fromAddr, toAddr uint32) (uint16, uint16) {
	offset := uint32(int32(toAddr) - int32(fromAddr+4))
	s := (offset >> 24) & 1
	j1 := ^((offset >> 23) ^ s) & 1
	j2 := ^((offset >> 22) ^ s) & 1
	hw1 := 0xF000 | uint16(s<<10) | uint16((offset>>12)&0x3FF)
	hw2 := 0x9000 | uint16(j1<<13) | uint16(j2<<11) | uint16((offset>>1)&0x7FF)
	return hw1, hw2
}

// injectedHookTemplate is the complete thumb source written to
// fw.HookBaseAddress in one assemble call: a two-instruction dispatch
// prelude (branch to hook_send_lmp, branch to hook_recv_lmp) followed by
// the hook_recv_lmp body and then the hook_send_lmp body (spec.md §4.5
// INSTALLING: "assemble two thumb hook functions and a 2-instruction
// dispatch prelude"). Assembling prelude and both bodies together lets
// the internal branches resolve as ordinary local labels instead of
// hand-computed byte offsets.
//
// The firmware's LMP_SEND_PACKET_HOOK pointer (thumb bit set) targets
// fw.HookBaseAddress itself, i.e. the prelude's first instruction, which
// branches forward past hook_recv_lmp to hook_send_lmp. The ROM patch at
// fw.RecvPatchTargetAddress branches to fw.HookBaseAddress+5, which lands
// (after thumb's implicit half-word truncation) on fw.HookBaseAddress+4
// — immediately past the 4-byte prelude, i.e. directly on hook_recv_lmp,
// skipping the prelude's second branch entirely. Both hook bodies copy
// 24 bytes of LMP payload out of the firmware's receive/send buffers via
// a call to the firmware's own memcpy (spec.md §4.5 INSTALLING); the
// send hook additionally stamps the connection number read from its
// first argument, the connection struct pointer, into the ring entry.
//
// Ported from original_source/.../brcm_bt.py:266-340's INJECTED_CODE.
const injectedHookTemplate = `
	.syntax unified
	.thumb
	.text

	b hook_send_lmp
	b hook_recv_lmp

hook_recv_lmp:
	push {r2-r8, lr}
	push {r0-r3, lr}

	ldr r0, =%#x            @ ring base (counter + entries)
	ldr r1, [r0]
	adds r1, r1, #1
	str r1, [r0]

	and r2, r1, #0x1F
	lsls r2, r2, #5         @ entry size is 32 bytes
	adds r0, r0, #4         @ skip global counter
	adds r0, r0, r2
	str r1, [r0]

	adds r0, r0, #4
	ldr r1, =%#x            @ firmware LMP receive buffer pointer
	ldr r2, [r1]
	str r2, [r0]
	adds r0, r0, #4
	adds r1, r1, #4
	ldr r1, [r1]
	adds r1, r1, #0xC       @ start of LMP packet

	movs r2, #24
	bl %#x                  @ memcpy

	pop {r0-r3, lr}
	b %#x                   @ return to interrupted recv path

hook_send_lmp:
	push {r4, r5, lr}

	mov r5, r0              @ 1st arg: connection struct pointer
	mov r4, r1              @ 2nd arg: outbound buffer pointer

	ldr r0, =%#x
	ldr r1, [r0]
	adds r1, r1, #1
	str r1, [r0]

	movs r3, #1
	lsls r3, r3, #31
	orrs r1, r1, r3         @ direction bit: sent by device
	and r2, r1, #0x1F
	lsls r2, r2, #5
	adds r0, r0, #4
	adds r0, r0, r2
	str r1, [r0]

	adds r0, r0, #6
	ldr r2, [r5]
	strb r2, [r0]           @ stamp connection number
	adds r0, r0, #2
	adds r1, r4, #0xC

	movs r2, #24
	bl %#x                  @ memcpy

	movs r0, #0
	pop {r4, r5, pc}
`
