package mem

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/bot6/internalblue/fw"
	"github.com/bot6/internalblue/hci"
)

// fakeCommander simulates controller memory backed by an in-process byte
// slice, responding to the three vendor opcodes mem depends on.
type fakeCommander struct {
	ram         map[uint32]byte
	readCalls   int
	writeCalls  int
	launchAddrs []uint32
	failStatus  map[uint32]uint8 // addr -> status to report once
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{ram: map[uint32]byte{}, failStatus: map[uint32]uint8{}}
}

func (f *fakeCommander) SubmitCommand(opcode uint16, params []byte, timeout time.Duration) ([]byte, error) {
	switch opcode {
	case fw.OpcodeReadRAM:
		f.readCalls++
		addr := hci.U32LE(params[0:4])
		blocksize := int(params[4])
		status := f.failStatus[addr]
		data := make([]byte, blocksize)
		for i := 0; i < blocksize; i++ {
			data[i] = f.ram[addr+uint32(i)]
		}
		resp := append([]byte{0, 0, 0, status}, data...)
		return resp, nil
	case fw.OpcodeWriteRAM:
		f.writeCalls++
		addr := hci.U32LE(params[0:4])
		chunk := params[4:]
		for i, b := range chunk {
			f.ram[addr+uint32(i)] = b
		}
		return []byte{0, 0, 0, 0}, nil
	case fw.OpcodeLaunchRAM:
		addr := hci.U32LE(params[0:4])
		f.launchAddrs = append(f.launchAddrs, addr)
		return []byte{0, 0, 0, 0}, nil
	default:
		return nil, fmt.Errorf("unexpected opcode 0x%04x", opcode)
	}
}

func TestReadMem300BytesTwoChunks(t *testing.T) {
	c := newFakeCommander()
	for i := 0; i < 300; i++ {
		c.ram[0x200000+uint32(i)] = byte(i)
	}

	data, results, err := ReadMem(c, 0x200000, 300, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 300 {
		t.Fatalf("expected 300 bytes, got %d", len(data))
	}
	if c.readCalls != 2 {
		t.Fatalf("expected 2 chunk requests, got %d", c.readCalls)
	}
	if results[0].Length != 251 || results[1].Length != 49 {
		t.Fatalf("unexpected chunk sizes: %+v", results)
	}
	for i := range data {
		if data[i] != byte(i) {
			t.Fatalf("byte %d mismatch: got %d", i, data[i])
		}
	}
}

func TestWriteMemThenLaunch(t *testing.T) {
	c := newFakeCommander()
	payload := bytes.Repeat([]byte{0xAB}, 10)

	if err := WriteMem(c, 0xD0000, payload, time.Second, nil); err != nil {
		t.Fatal(err)
	}
	for i, b := range payload {
		if c.ram[0xD0000+uint32(i)] != b {
			t.Fatalf("byte %d not written", i)
		}
	}

	if err := LaunchRAM(c, 0xD0000, time.Second); err != nil {
		t.Fatal(err)
	}
	if len(c.launchAddrs) != 1 || c.launchAddrs[0] != 0xD0000 {
		t.Fatalf("expected launch at 0xD0000, got %v", c.launchAddrs)
	}
}

func TestWriteMemAbortsOnNonZeroStatus(t *testing.T) {
	c := &failingWriteCommander{}
	err := WriteMem(c, 0xD0000, []byte{1, 2, 3, 4}, time.Second, nil)
	if err == nil {
		t.Fatal("expected error on non-zero status")
	}
}

type failingWriteCommander struct{}

func (failingWriteCommander) SubmitCommand(opcode uint16, params []byte, timeout time.Duration) ([]byte, error) {
	return []byte{0, 0, 0, 0x0C}, nil
}

func TestPatchROMThenDisable(t *testing.T) {
	c := newFakeCommander()
	table := NewPatchTable()

	handle, err := PatchROM(c, table, 0x3F3F4, []byte{0x00, 0xBD, 0xF7, 0xAA}, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	patchVal := []byte{c.ram[fw.PatchValueTableBase+uint32(handle.Slot)*4],
		c.ram[fw.PatchValueTableBase+uint32(handle.Slot)*4+1],
		c.ram[fw.PatchValueTableBase+uint32(handle.Slot)*4+2],
		c.ram[fw.PatchValueTableBase+uint32(handle.Slot)*4+3]}
	if !bytes.Equal(patchVal, []byte{0x00, 0xBD, 0xF7, 0xAA}) {
		t.Fatalf("patch value table: got %x", patchVal)
	}

	targetWord := hci.U32LE([]byte{
		c.ram[fw.PatchTargetTableBase+uint32(handle.Slot)*4],
		c.ram[fw.PatchTargetTableBase+uint32(handle.Slot)*4+1],
		c.ram[fw.PatchTargetTableBase+uint32(handle.Slot)*4+2],
		c.ram[fw.PatchTargetTableBase+uint32(handle.Slot)*4+3],
	})
	if targetWord != 0x3F3F4>>2 {
		t.Fatalf("patch target: got 0x%08x want 0x%08x", targetWord, uint32(0x3F3F4>>2))
	}

	enableWordAddr := fw.PatchEnableBitfield + uint32(handle.Slot/32)*4
	enableWord := hci.U32LE([]byte{
		c.ram[enableWordAddr], c.ram[enableWordAddr+1], c.ram[enableWordAddr+2], c.ram[enableWordAddr+3],
	})
	if enableWord&(1<<uint(handle.Slot%32)) == 0 {
		t.Fatalf("expected bit %d set in enable word 0x%08x", handle.Slot%32, enableWord)
	}

	if err := DisableROMPatch(c, table, handle, time.Second); err != nil {
		t.Fatal(err)
	}
	enableWord = hci.U32LE([]byte{
		c.ram[enableWordAddr], c.ram[enableWordAddr+1], c.ram[enableWordAddr+2], c.ram[enableWordAddr+3],
	})
	if enableWord&(1<<uint(handle.Slot%32)) != 0 {
		t.Fatal("expected bit cleared after disable")
	}
}

func TestPatchROMRejectsBadLength(t *testing.T) {
	c := newFakeCommander()
	table := NewPatchTable()
	if _, err := PatchROM(c, table, 0x3F3F4, []byte{1, 2, 3}, time.Second); err == nil {
		t.Fatal("expected error for non-4-byte patch")
	}
}

func TestPatchROMRejectsMisalignedAddress(t *testing.T) {
	c := newFakeCommander()
	table := NewPatchTable()
	if _, err := PatchROM(c, table, 0x3F3F5, []byte{1, 2, 3, 4}, time.Second); err == nil {
		t.Fatal("expected error for misaligned address")
	}
}

func TestPatchROMAllocatesLowestFreeSlot(t *testing.T) {
	c := newFakeCommander()
	table := NewPatchTable()

	h1, err := PatchROM(c, table, 0x1000, []byte{1, 2, 3, 4}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := PatchROM(c, table, 0x2000, []byte{5, 6, 7, 8}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if h1.Slot == h2.Slot {
		t.Fatal("expected distinct slots for concurrent patches")
	}
	if err := DisableROMPatch(c, table, h1, time.Second); err != nil {
		t.Fatal(err)
	}
	h3, err := PatchROM(c, table, 0x3000, []byte{9, 9, 9, 9}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if h3.Slot != h1.Slot {
		t.Fatalf("expected freed slot %d to be reused, got %d", h1.Slot, h3.Slot)
	}
}
