package lmp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bot6/internalblue/fw"
	"github.com/bot6/internalblue/hci"
	"github.com/bot6/internalblue/mem"
	"github.com/op/go-logging"
)

type fakeCommander struct {
	mu  sync.Mutex
	ram map[uint32]byte
}

func newFakeCommander() *fakeCommander {
	c := &fakeCommander{ram: map[uint32]byte{}}
	// Give the hook/ring regions deterministic pre-install content so
	// the idempotence check has something non-zero to restore.
	for i := 0; i < hookRegionSize; i++ {
		c.ram[fw.HookBaseAddress+uint32(i)] = byte(0xA0 + i%16)
	}
	for i := 0; i < ringTotalSize; i++ {
		c.ram[fw.DataBaseAddress+uint32(i)] = byte(0xB0 + i%16)
	}
	return c
}

func (f *fakeCommander) setByte(addr uint32, v byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ram[addr] = v
}

func (f *fakeCommander) SubmitCommand(opcode uint16, params []byte, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch opcode {
	case fw.OpcodeReadRAM:
		addr := hci.U32LE(params[0:4])
		blocksize := int(params[4])
		data := make([]byte, blocksize)
		for i := 0; i < blocksize; i++ {
			data[i] = f.ram[addr+uint32(i)]
		}
		return append([]byte{0, 0, 0, 0}, data...), nil
	case fw.OpcodeWriteRAM:
		addr := hci.U32LE(params[0:4])
		for i, b := range params[4:] {
			f.ram[addr+uint32(i)] = b
		}
		return []byte{0, 0, 0, 0}, nil
	case fw.OpcodeLaunchRAM:
		return []byte{0, 0, 0, 0}, nil
	default:
		return nil, fmt.Errorf("unexpected opcode 0x%04x", opcode)
	}
}

func (f *fakeCommander) snapshot(addr uint32, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = f.ram[addr+uint32(i)]
	}
	return out
}

type fakeAssembler struct{ n int }

func (a *fakeAssembler) Assemble(ctx context.Context, src string, vma uint32) ([]byte, error) {
	a.n++
	return []byte{0x00, 0xBF, 0x00, 0xBF}, nil // two thumb NOPs, fixed size
}

func testMonitorLogger() *logging.Logger {
	log := logging.MustGetLogger("lmp-test")
	logging.SetBackend(logging.NewLogBackend(devNull{}, "", 0))
	return log
}

type devNull struct{}

func (devNull) Write(p []byte) (int, error) { return len(p), nil }

func TestMonitorStartStopHookIdempotence(t *testing.T) {
	c := newFakeCommander()
	table := mem.NewPatchTable()

	beforeHook := c.snapshot(fw.HookBaseAddress, hookRegionSize)
	beforeRing := c.snapshot(fw.DataBaseAddress, ringTotalSize)

	var exitRequested atomic.Bool
	m := NewMonitor(c, table, &fakeAssembler{}, &exitRequested, testMonitorLogger())

	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateRunning {
		t.Fatalf("expected running, got %v", m.State())
	}

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.State() != StateInactive {
		time.Sleep(5 * time.Millisecond)
	}
	if m.State() != StateInactive {
		t.Fatalf("expected inactive after stop, got %v", m.State())
	}

	afterHook := c.snapshot(fw.HookBaseAddress, hookRegionSize)
	afterRing := c.snapshot(fw.DataBaseAddress, ringTotalSize)

	for i := range beforeHook {
		if beforeHook[i] != afterHook[i] {
			t.Fatalf("hook region byte %d not restored: got %x want %x", i, afterHook[i], beforeHook[i])
		}
	}
	for i := range beforeRing {
		if beforeRing[i] != afterRing[i] {
			t.Fatalf("ring byte %d not restored: got %x want %x", i, afterRing[i], beforeRing[i])
		}
	}
}

// TestInjectedHookTemplateHasDispatchPrelude checks the rendered hook
// source spec.md §4.5 requires: a 2-instruction dispatch prelude (branch
// to hook_send_lmp, then branch to hook_recv_lmp) placed ahead of both
// hook bodies, with hook_recv_lmp immediately following the prelude and
// hook_send_lmp after it — the layout install()'s fw.HookBaseAddress|1
// pointer and fw.RecvPatchTargetAddress patch both rely on. fakeAssembler
// never actually assembles this source, so without this test a missing
// prelude or a swapped hook order would go undetected.
func TestInjectedHookTemplateHasDispatchPrelude(t *testing.T) {
	src := fmt.Sprintf(injectedHookTemplate,
		fw.DataBaseAddress, fw.LMPRecvBufferAddress, fw.MemcpyAddress, fw.RecvReturnAddress,
		fw.DataBaseAddress, fw.MemcpyAddress)

	preludeSend := strings.Index(src, "b hook_send_lmp")
	preludeRecv := strings.Index(src, "b hook_recv_lmp")
	recvLabel := strings.Index(src, "hook_recv_lmp:")
	sendLabel := strings.Index(src, "hook_send_lmp:")

	if preludeSend < 0 || preludeRecv < 0 {
		t.Fatal("expected a 2-instruction dispatch prelude branching to hook_send_lmp and hook_recv_lmp")
	}
	if preludeSend > preludeRecv {
		t.Fatal("prelude must branch to hook_send_lmp before hook_recv_lmp, per original_source ordering")
	}
	if recvLabel < 0 || sendLabel < 0 {
		t.Fatal("expected both hook_recv_lmp and hook_send_lmp bodies")
	}
	if preludeRecv > recvLabel || recvLabel > sendLabel {
		t.Fatal("expected layout: prelude, then hook_recv_lmp body, then hook_send_lmp body")
	}

	memcpyTarget := fmt.Sprintf("%#x", fw.MemcpyAddress)
	if n := strings.Count(src, "bl "+memcpyTarget); n != 2 {
		t.Fatalf("expected a memcpy call in both hook bodies, found %d", n)
	}
	if !strings.Contains(src, fmt.Sprintf("%#x", fw.LMPRecvBufferAddress)) {
		t.Fatal("recv hook must reference the firmware LMP receive buffer pointer")
	}
	if !strings.Contains(src, "strb r2, [r0]") {
		t.Fatal("send hook must stamp the connection number into the ring entry")
	}
}

// TestSendRoutineTemplateUsesRealFirmwareAddresses guards against the
// trampoline referencing bare symbolic labels (firmware_alloc_buffer,
// memcpy, send_LMP_packet) that no assembler on the machine defines; the
// original hardcodes real firmware entry points for exactly this reason.
func TestSendRoutineTemplateUsesRealFirmwareAddresses(t *testing.T) {
	src := fmt.Sprintf(sendRoutineTemplate,
		fw.AllocBufferAddress, fw.SendDataAddress, fw.MemcpyAddress,
		uint8(7), fw.FindConnectionAddress, fw.SendLMPPacketEntryAddress)

	for _, want := range []uint32{
		fw.AllocBufferAddress, fw.MemcpyAddress, fw.FindConnectionAddress, fw.SendLMPPacketEntryAddress,
	} {
		if !strings.Contains(src, fmt.Sprintf("%#x", want)) {
			t.Fatalf("send routine source missing real firmware address %#x", want)
		}
	}
	for _, bareSymbol := range []string{"firmware_alloc_buffer", "bl memcpy", "bl send_LMP_packet"} {
		if strings.Contains(src, bareSymbol) {
			t.Fatalf("send routine source must not reference undefined symbolic label %q", bareSymbol)
		}
	}
}

func TestMonitorStartTwiceFails(t *testing.T) {
	c := newFakeCommander()
	table := mem.NewPatchTable()
	var exitRequested atomic.Bool
	m := NewMonitor(c, table, &fakeAssembler{}, &exitRequested, testMonitorLogger())

	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := m.Start(context.Background(), nil); err == nil {
		t.Fatal("expected error starting an already-running monitor")
	}
}

func TestMonitorStopFromWithinCallbackDoesNotDeadlock(t *testing.T) {
	c := newFakeCommander()
	table := mem.NewPatchTable()
	var exitRequested atomic.Bool
	m := NewMonitor(c, table, &fakeAssembler{}, &exitRequested, testMonitorLogger())

	done := make(chan struct{})
	cb := func(pkt Packet) {
		defer close(done)
		if err := m.Stop(); err != nil {
			t.Errorf("stop from callback: %v", err)
		}
	}

	if err := m.Start(context.Background(), cb); err != nil {
		t.Fatal(err)
	}

	// Simulate firmware writing one ring entry after install has zeroed
	// the counter, so the poll loop's callback fires at least once.
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.setByte(fw.DataBaseAddress, 1)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.State() != StateInactive {
		time.Sleep(5 * time.Millisecond)
	}
	if m.State() != StateInactive {
		t.Fatalf("expected monitor to reach inactive after self-stop, got %v", m.State())
	}
}
