package mem

import (
	"fmt"
	"sync"
	"time"

	"github.com/bot6/internalblue/fw"
	"github.com/bot6/internalblue/hci"
)

// PatchHandle identifies an allocated patchram slot.
type PatchHandle struct {
	Slot int
	Addr uint32
}

// PatchTable is the host-side authoritative view of which patchram slots
// are allocated (spec.md §3: "the host-side bitmap is the authoritative
// view... the chip's actual bitfield is written only through this
// component"). It resolves spec.md §9's open question: rather than a
// hard-coded slot index, PatchROM scans for the lowest free bit and
// persists allocation across calls for the session's lifetime.
type PatchTable struct {
	mu     sync.Mutex
	bitmap [fw.PatchSlotWords]uint32
}

// NewPatchTable returns an empty (all slots free) table.
func NewPatchTable() *PatchTable {
	return &PatchTable{}
}

func (t *PatchTable) allocateLocked() (int, error) {
	for word := 0; word < fw.PatchSlotWords; word++ {
		if t.bitmap[word] == 0xFFFFFFFF {
			continue
		}
		for bit := 0; bit < 32; bit++ {
			if t.bitmap[word]&(1<<uint(bit)) == 0 {
				t.bitmap[word] |= 1 << uint(bit)
				return word*32 + bit, nil
			}
		}
	}
	return 0, fmt.Errorf("mem: no free patchram slots")
}

func (t *PatchTable) freeLocked(slot int) uint32 {
	word := slot / 32
	bit := slot % 32
	t.bitmap[word] &^= 1 << uint(bit)
	return t.bitmap[word]
}

// PatchROM allocates a patchram slot and redirects the 4-byte ROM read at
// addr to patch (spec.md §4.4/§8). addr must be 4-byte aligned; patch must
// be exactly 4 bytes.
func PatchROM(c Commander, table *PatchTable, addr uint32, patch []byte, timeout time.Duration) (PatchHandle, error) {
	if len(patch) != 4 {
		return PatchHandle{}, fmt.Errorf("mem: patch must be exactly 4 bytes, got %d", len(patch))
	}
	if addr%4 != 0 {
		return PatchHandle{}, fmt.Errorf("mem: patch target 0x%08x is not 4-byte aligned", addr)
	}

	table.mu.Lock()
	defer table.mu.Unlock()

	slot, err := table.allocateLocked()
	if err != nil {
		return PatchHandle{}, err
	}

	if err := WriteMem(c, fw.PatchValueTableBase+uint32(slot)*4, patch, timeout, nil); err != nil {
		table.freeLocked(slot)
		return PatchHandle{}, fmt.Errorf("mem: writing patch value: %w", err)
	}
	targetWord := hci.PutU32LE(nil, addr>>2)
	if err := WriteMem(c, fw.PatchTargetTableBase+uint32(slot)*4, targetWord, timeout, nil); err != nil {
		table.freeLocked(slot)
		return PatchHandle{}, fmt.Errorf("mem: writing patch target: %w", err)
	}

	enableWord := table.bitmap[slot/32]
	if err := WriteMem(c, fw.PatchEnableBitfield+uint32(slot/32)*4, hci.PutU32LE(nil, enableWord), timeout, nil); err != nil {
		table.freeLocked(slot)
		return PatchHandle{}, fmt.Errorf("mem: flushing enable bitfield: %w", err)
	}

	return PatchHandle{Slot: slot, Addr: addr}, nil
}

// DisableROMPatch clears the slot's enable bit, flushes the affected
// enable word, and zeroes the slot's patch-value/target-address table
// entries so a reused slot starts clean. spec.md §4.4/§9 names this as a
// contract the reference implementation leaves unimplemented; this
// completes it.
func DisableROMPatch(c Commander, table *PatchTable, handle PatchHandle, timeout time.Duration) error {
	table.mu.Lock()
	defer table.mu.Unlock()

	enableWord := table.freeLocked(handle.Slot)
	if err := WriteMem(c, fw.PatchEnableBitfield+uint32(handle.Slot/32)*4, hci.PutU32LE(nil, enableWord), timeout, nil); err != nil {
		return fmt.Errorf("mem: flushing enable bitfield: %w", err)
	}
	zero := []byte{0, 0, 0, 0}
	if err := WriteMem(c, fw.PatchValueTableBase+uint32(handle.Slot)*4, zero, timeout, nil); err != nil {
		return fmt.Errorf("mem: clearing patch value: %w", err)
	}
	if err := WriteMem(c, fw.PatchTargetTableBase+uint32(handle.Slot)*4, zero, timeout, nil); err != nil {
		return fmt.Errorf("mem: clearing patch target: %w", err)
	}
	return nil
}
