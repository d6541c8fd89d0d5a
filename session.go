// Package internalblue wires the transport, pipeline, memory, and LMP
// monitor layers into a single Session with a connect/shutdown lifecycle
// (spec.md §4.11, §2 item 9).
package internalblue

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/bot6/internalblue/bridge"
	"github.com/bot6/internalblue/fw"
	"github.com/bot6/internalblue/lmp"
	"github.com/bot6/internalblue/mem"
	"github.com/bot6/internalblue/pipeline"
	"github.com/bot6/internalblue/transport"
	"github.com/op/go-logging"
)

// ConnectionInfo is the decoded firmware connection struct
// (spec.md §3), re-exported at the session boundary so callers don't need
// to import the fw package directly.
type ConnectionInfo = fw.ConnectionInfo

// Session owns one end-to-end connection to a controller: the bridge
// process, the two transport sockets, the send/receive pipeline, the
// patchram slot table, and (once started) the LMP monitor. Exactly one
// Session exists per process, matching spec.md §1's "no multi-controller
// support" non-goal.
type Session struct {
	cfg    Config
	log    *logging.Logger
	bridge *bridge.Bridge

	tr       *transport.Transport
	pipeline *pipeline.Pipeline
	patches  *mem.PatchTable
	monitor  *lmp.Monitor

	exitRequested atomic.Bool
	running       atomic.Bool

	hostPort int
}

// New constructs a Session from cfg without connecting.
func New(cfg Config) *Session {
	log := SetupLogging(levelFromString(cfg.LogLevel))
	return &Session{
		cfg:     cfg,
		log:     log,
		bridge:  bridge.New(cfg.BridgeBinary),
		patches: mem.NewPatchTable(),
	}
}

// Connect sets up bridge port forwarding, dials the two sockets, consumes
// the snoop header, and starts the receive/send pipeline (spec.md §4.1,
// §5: binding to external processes happens on the session's own
// goroutine, never inside a worker).
func (s *Session) Connect(ctx context.Context) error {
	if s.running.Load() {
		return ErrAlreadyConnected
	}

	devices, err := s.bridge.Devices(ctx)
	if err != nil {
		return fmt.Errorf("internalblue: %w: %w", ErrBridgeSetupFailed, err)
	}
	device, err := bridge.SelectDevice(devices, nil)
	if err != nil {
		return fmt.Errorf("internalblue: %w: %w", ErrBridgeSetupFailed, err)
	}
	s.log.Infof("connect: using device %s (%s)", device.Serial, device.Model)

	s.hostPort = 60000 + rand.Intn(5536)
	if err := s.bridge.Forward(ctx, s.hostPort, bridge.DeviceSnoopPort); err != nil {
		return fmt.Errorf("internalblue: %w: %w", ErrBridgeSetupFailed, err)
	}
	if err := s.bridge.Forward(ctx, s.hostPort+1, bridge.DeviceInjectPort); err != nil {
		s.bridge.RemoveForward(ctx, s.hostPort)
		return fmt.Errorf("internalblue: %w: %w", ErrBridgeSetupFailed, err)
	}

	tr, err := transport.Dial("127.0.0.1", s.hostPort)
	if err != nil {
		s.bridge.RemoveForward(ctx, s.hostPort)
		s.bridge.RemoveForward(ctx, s.hostPort+1)
		return fmt.Errorf("internalblue: dial: %w", err)
	}
	if s.cfg.CaptureLogPath != "" {
		f, err := openCaptureLog(s.cfg.CaptureLogPath)
		if err != nil {
			tr.Close()
			return fmt.Errorf("internalblue: capture log: %w", err)
		}
		tr.CaptureLog = f
	}

	if _, err := tr.ReadSnoopHeader(s.exitRequested.Load); err != nil {
		tr.Close()
		return fmt.Errorf("internalblue: %w: %w", ErrNoSnoopHeader, err)
	}

	s.tr = tr
	s.exitRequested.Store(false)
	s.pipeline = pipeline.New(s.cfg.QueueSize, &s.exitRequested, s.log)
	s.pipeline.Start(tr)
	s.running.Store(true)

	s.log.Info("connect: session established")
	return nil
}

// Shutdown sets the exit flag, lets the receive/send workers terminate on
// their own (spec.md §5's cooperative cancellation), tears down the
// sockets, and removes the bridge forwards.
func (s *Session) Shutdown(ctx context.Context) error {
	if !s.running.Load() {
		return ErrNotConnected
	}
	if s.monitor != nil && s.monitor.State() != lmp.StateInactive {
		s.monitor.Stop()
	}

	s.exitRequested.Store(true)
	// Bound wait for cooperative worker shutdown (spec.md §8's
	// cancellation-bound property: 2x socket timeout).
	time.Sleep(2 * transport.ReadTimeout)

	if closer, ok := s.tr.CaptureLog.(interface{ Close() error }); ok && closer != nil {
		closer.Close()
	}
	err := s.tr.Close()

	s.bridge.RemoveForward(ctx, s.hostPort)
	s.bridge.RemoveForward(ctx, s.hostPort+1)

	s.running.Store(false)
	s.log.Info("shutdown: session torn down")
	return err
}

// ensureMonitor lazily constructs the session's lmp.Monitor. The monitor
// object is cheap to hold idle: it only bundles the commander, patch
// table, and assembler the ring-capture hooks and the send-packet helper
// both depend on (spec.md §4.5/§4.6). Constructing it does not install
// anything or start the poll loop.
func (s *Session) ensureMonitor() *lmp.Monitor {
	if s.monitor == nil {
		assembler := lmp.NewToolchainAssembler()
		if s.cfg.AssemblerFix {
			assembler.WarnVersion = func(msg string) { s.log.Warning("assembler: " + msg) }
		}
		s.monitor = lmp.NewMonitor(s.pipeline, s.patches, assembler, &s.exitRequested, s.log)
	}
	return s.monitor
}

// StartMonitor installs the LMP capture hooks and begins delivering
// decoded packets to cb (spec.md §4.5).
func (s *Session) StartMonitor(ctx context.Context, cb lmp.LMPCallback) error {
	if !s.running.Load() {
		return ErrNotConnected
	}
	m := s.ensureMonitor()
	if m.State() != lmp.StateInactive {
		return ErrMonitorAlreadyRunning
	}
	return m.Start(ctx, cb)
}

// StopMonitor requests the LMP monitor to uninstall and stop.
func (s *Session) StopMonitor() error {
	if s.monitor == nil || s.monitor.State() == lmp.StateInactive {
		return ErrMonitorNotRunning
	}
	return s.monitor.Stop()
}

// ReadConnectionInformation is a thin forwarder onto lmp.ReadConnectionInfo
// (spec.md §2 item 10 / §4.12).
func (s *Session) ReadConnectionInformation(connNum uint8) (ConnectionInfo, error) {
	if !s.running.Load() {
		return ConnectionInfo{}, ErrNotConnected
	}
	return lmp.ReadConnectionInfo(s.pipeline, connNum, s.cfg.CommandTimeout)
}

// SendLMPPacket is a thin forwarder onto the LMP monitor's send-packet
// helper (spec.md §4.6/§4.12). It depends only on readMem/writeMem/
// launchRam through the shared Commander, not on the ring-capture hooks
// being installed — the Python original's sendLmpPacket has this same
// independence from monitor mode (original_source/.../brcm_bt.py:714-756)
// — so it is available whenever the session is connected, whether or not
// StartMonitor has ever been called.
func (s *Session) SendLMPPacket(connNum uint8, opcode uint8, payload []byte, extended bool) error {
	if !s.running.Load() {
		return ErrNotConnected
	}
	return s.ensureMonitor().SendLMPPacket(connNum, opcode, payload, extended, s.cfg.CommandTimeout)
}
