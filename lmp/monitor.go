// Package lmp implements the LMP monitor: hook injection into running
// firmware, circular-ring polling and reassembly, and the high-level
// connection/send-packet helpers built on top of it (spec.md §4.5/§4.6).
package lmp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bot6/internalblue/fw"
	"github.com/bot6/internalblue/logutil"
	"github.com/bot6/internalblue/mem"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"
)

// State is one of the monitor lifecycle states spec.md §4.5 names.
type State int

const (
	StateInactive State = iota
	StateInstalling
	StateRunning
	StateUninstalling
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateInstalling:
		return "installing"
	case StateRunning:
		return "running"
	case StateUninstalling:
		return "uninstalling"
	default:
		return "unknown"
	}
}

// LMPCallback receives one reassembled, ordered LMP packet (spec.md
// §4.5's `(lmp_packet_bytes, sent_by_device, src_addr, dst_addr)`
// callback, re-expressed as a single struct instead of four positional
// values).
type LMPCallback func(pkt Packet)

// pollBaseInterval and pollMaxInterval bound the idle-poll backoff
// (spec.md §4.5: "sleep, increasing sleep time up to 500ms in 10%
// increments").
const (
	pollBaseInterval = 10 * time.Millisecond
	pollMaxInterval  = 500 * time.Millisecond
	pollBackoffRate  = 1.1
)

// Monitor installs the LMP capture hooks and polls the ring they write to
// (spec.md §4.5). It depends only on mem.Commander and a mem.PatchTable,
// not on pipeline internals, matching the dependency direction of mem.
type Monitor struct {
	commander  mem.Commander
	patchTable *mem.PatchTable
	assembler  Assembler
	log        *logging.Logger
	ctx        context.Context

	exitRequested *atomic.Bool // shared session-wide flag

	mu    sync.Mutex
	state State

	monitorExitRequested atomic.Bool
	running              atomic.Bool
	inCallback           atomic.Bool

	addrCache *addressCache

	lastCaptured   uint32
	savedHookBytes []byte
	savedRingBytes []byte
	patchHandle    mem.PatchHandle
	ownAddress     [fw.PeerAddrLen]byte

	done chan struct{}
}

// NewMonitor constructs a Monitor. exitRequested is the session-wide exit
// flag the receive/send pipeline also observes (spec.md §5).
func NewMonitor(commander mem.Commander, patchTable *mem.PatchTable, assembler Assembler, exitRequested *atomic.Bool, log *logging.Logger) *Monitor {
	return &Monitor{
		commander:     commander,
		patchTable:    patchTable,
		assembler:     assembler,
		exitRequested: exitRequested,
		log:           log,
		ctx:           context.Background(),
		addrCache:     newAddressCache(),
	}
}

// State reports the monitor's current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start installs the hooks and begins polling the ring, invoking cb for
// every reassembled packet (spec.md §4.5 INSTALLING then RUNNING).
func (m *Monitor) Start(ctx context.Context, cb LMPCallback) error {
	m.mu.Lock()
	if m.state != StateInactive {
		m.mu.Unlock()
		return fmt.Errorf("lmp: monitor already running")
	}
	m.state = StateInstalling
	m.mu.Unlock()

	m.ctx = ctx
	m.addrCache.purge()
	m.monitorExitRequested.Store(false)

	if err := m.install(); err != nil {
		m.mu.Lock()
		m.state = StateInactive
		m.mu.Unlock()
		return fmt.Errorf("lmp: install: %w", err)
	}

	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()

	m.done = make(chan struct{})
	m.running.Store(true)
	runID := uuid.NewV4()
	go logutil.RecoverToLog(func() { m.pollLoop(runID, cb) }, m.log, "lmp-monitor")
	return nil
}

// Stop requests the polling loop to end and uninstalls the hooks. If
// called from within a callback running on the polling goroutine itself,
// it skips waiting for that goroutine to finish (spec.md §5's
// self-deadlock avoidance) — the loop notices monitorExitRequested on its
// own and performs the uninstall after the callback returns.
func (m *Monitor) Stop() error {
	if m.State() == StateInactive {
		return nil
	}
	m.monitorExitRequested.Store(true)

	if m.inCallback.Load() {
		m.log.Debug("lmp-monitor: stop requested from within callback, skipping join")
		return nil
	}

	if m.done != nil {
		<-m.done
	}
	return nil
}

// install performs spec.md §4.5's INSTALLING phase: assemble hooks,
// save state, zero the ring, write the hooks, and wire the recv-path
// patch and the send-packet-hook pointer.
func (m *Monitor) install() error {
	timeout := 2 * time.Second

	hookBytes, _, err := mem.ReadMem(m.commander, fw.HookBaseAddress, hookRegionSize, timeout, nil)
	if err != nil {
		return fmt.Errorf("save hook region: %w", err)
	}
	m.savedHookBytes = hookBytes

	ringBytes, _, err := mem.ReadMem(m.commander, fw.DataBaseAddress, ringTotalSize, timeout, nil)
	if err != nil {
		return fmt.Errorf("save ring state: %w", err)
	}
	m.savedRingBytes = ringBytes

	if err := mem.WriteMem(m.commander, fw.DataBaseAddress, make([]byte, 4), timeout, nil); err != nil {
		return fmt.Errorf("zero ring counter: %w", err)
	}

	hookSrc := fmt.Sprintf(injectedHookTemplate,
		fw.DataBaseAddress, fw.LMPRecvBufferAddress, fw.MemcpyAddress, fw.RecvReturnAddress,
		fw.DataBaseAddress, fw.MemcpyAddress)
	code, err := m.assembler.Assemble(m.ctx, hookSrc, fw.HookBaseAddress)
	if err != nil {
		return fmt.Errorf("assemble hooks: %w", err)
	}

	if err := mem.WriteMem(m.commander, fw.HookBaseAddress, code, timeout, nil); err != nil {
		return fmt.Errorf("write hook code: %w", err)
	}

	hookPtr := fw.HookBaseAddress | 1 // thumb bit
	if err := mem.WriteMem(m.commander, fw.LMPSendPacketHook, le32(hookPtr), timeout, nil); err != nil {
		return fmt.Errorf("write send-packet hook pointer: %w", err)
	}

	handle, err := mem.PatchROM(m.commander, m.patchTable, fw.RecvPatchTargetAddress, recvTargetPatch(fw.HookBaseAddress), timeout)
	if err != nil {
		return fmt.Errorf("patch recv path: %w", err)
	}
	m.patchHandle = handle

	ownAddr, _, err := mem.ReadMem(m.commander, fw.BDAddrAddress, fw.PeerAddrLen, timeout, nil)
	if err != nil {
		return fmt.Errorf("read own address: %w", err)
	}
	for i, b := range ownAddr {
		m.ownAddress[fw.PeerAddrLen-1-i] = b
	}

	m.lastCaptured = 0
	return nil
}

// uninstall performs spec.md §4.5's UNINSTALLING phase, restoring the
// controller to its pre-install state. Per spec.md §4.5's failure
// semantics, when the global exit was triggered by a stack dump these
// writes are expected to fail; errors are logged, not propagated as a
// reason to skip the remaining restore steps.
func (m *Monitor) uninstall() {
	timeout := 2 * time.Second

	if err := mem.WriteMem(m.commander, fw.LMPSendPacketHook, make([]byte, 4), timeout, nil); err != nil {
		m.log.Warningf("lmp-monitor: clear send-packet hook: %v", err)
	}
	if err := mem.DisableROMPatch(m.commander, m.patchTable, m.patchHandle, timeout); err != nil {
		m.log.Warningf("lmp-monitor: disable recv patch: %v", err)
	}
	if m.savedHookBytes != nil {
		if err := mem.WriteMem(m.commander, fw.HookBaseAddress, m.savedHookBytes, timeout, nil); err != nil {
			m.log.Warningf("lmp-monitor: restore hook region: %v", err)
		}
	}
	if m.savedRingBytes != nil {
		if err := mem.WriteMem(m.commander, fw.DataBaseAddress, m.savedRingBytes, timeout, nil); err != nil {
			m.log.Warningf("lmp-monitor: restore ring state: %v", err)
		}
	}
}

// pollLoop is spec.md §4.5's RUNNING phase. It exits when either the
// monitor-local or session-wide exit flag is set, then uninstalls.
func (m *Monitor) pollLoop(runID uuid.UUID, cb LMPCallback) {
	defer close(m.done)
	defer m.running.Store(false)
	m.log.Debugf("lmp-monitor %s: started", runID)

	interval := pollBaseInterval
	for !m.monitorExitRequested.Load() && !m.exitRequested.Load() {
		packets, newLast, dropped, err := pollRing(m.commander, fw.DataBaseAddress, m.lastCaptured, 2*time.Second)
		if err != nil {
			m.log.Warningf("lmp-monitor %s: poll failed, retrying: %v", runID, err)
			time.Sleep(interval)
			continue
		}
		if len(packets) == 0 {
			time.Sleep(interval)
			interval = time.Duration(float64(interval) * pollBackoffRate)
			if interval > pollMaxInterval {
				interval = pollMaxInterval
			}
			continue
		}
		interval = pollBaseInterval
		if dropped > 0 {
			m.log.Warningf("lmp-monitor %s: ring overran reader, %d packets dropped", runID, dropped)
		}

		for i := range packets {
			peer, err := m.addrCache.resolve(m.commander, packets[i].ConnectionNumber, 2*time.Second)
			if err != nil {
				m.log.Warningf("lmp-monitor %s: resolve peer address: %v", runID, err)
			} else if packets[i].SentByDevice {
				packets[i].SrcAddress = m.ownAddress
				packets[i].DstAddress = peer
			} else {
				packets[i].SrcAddress = peer
				packets[i].DstAddress = m.ownAddress
			}
			if cb != nil {
				m.inCallback.Store(true)
				cb(packets[i])
				m.inCallback.Store(false)
			}
		}
		m.lastCaptured = newLast
	}

	m.log.Debugf("lmp-monitor %s: stopping, uninstalling", runID)
	m.mu.Lock()
	m.state = StateUninstalling
	m.mu.Unlock()
	m.uninstall()
	m.mu.Lock()
	m.state = StateInactive
	m.mu.Unlock()
	m.log.Debugf("lmp-monitor %s: terminated", runID)
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
