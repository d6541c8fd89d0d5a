package pipeline

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bot6/internalblue/hci"
	"github.com/bot6/internalblue/logutil"
	"github.com/bot6/internalblue/transport"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"
)

// Response is what the send worker delivers back to a caller: the
// Command Complete event's data payload, or a delivery error.
type Response struct {
	Data []byte
	Err  error
}

// pendingCommand is the single-slot rendezvous spec.md's Design Notes
// call out explicitly ("self-referencing rendezvous"): the caller owns it
// until it's enqueued, the send worker owns it until a Command Complete
// arrives, then delivery hands ownership of the response back.
type pendingCommand struct {
	id     uuid.UUID
	opcode uint16
	params []byte
	resp   chan Response
}

func (p *pendingCommand) deliver(data []byte, err error) {
	select {
	case p.resp <- Response{Data: data, Err: err}:
	default:
		// The caller already gave up (timed out); the slot is abandoned,
		// which is harmless per spec.md §4.3's failure policy.
	}
}

// Pipeline bundles the primary inbound queue, the send worker's private
// event mirror, the outbound request channel, and the liveness/exit flags
// the two workers coordinate through (spec.md §5: "communicate only
// through bounded blocking queues and a small set of atomic flags").
type Pipeline struct {
	Primary   *BoundedQueue[hci.Frame]
	secondary *BoundedQueue[hci.Frame]
	outbound  chan *pendingCommand

	exitRequested *atomic.Bool
	sendAlive     atomic.Bool

	detector hci.StackDumpDetector

	log *logging.Logger
}

// New constructs a Pipeline. exitRequested is shared with the owning
// session so any worker (or the session itself) can trip it.
func New(queueSize int, exitRequested *atomic.Bool, log *logging.Logger) *Pipeline {
	return &Pipeline{
		Primary:       NewBoundedQueue[hci.Frame](queueSize),
		secondary:     NewBoundedQueue[hci.Frame](queueSize),
		outbound:      make(chan *pendingCommand, queueSize),
		exitRequested: exitRequested,
		log:           log,
	}
}

// SubmitCommand enqueues an outbound HCI command and blocks for up to
// timeout for its Command Complete response (spec.md §4.3/§4.4's
// sendHciCommand contract).
func (p *Pipeline) SubmitCommand(opcode uint16, params []byte, timeout time.Duration) ([]byte, error) {
	cmd := &pendingCommand{
		id:     uuid.NewV4(),
		opcode: opcode,
		params: params,
		resp:   make(chan Response, 1),
	}
	select {
	case p.outbound <- cmd:
	case <-time.After(timeout):
		return nil, fmt.Errorf("pipeline: send queue full, command 0x%04x (%s) timed out", opcode, cmd.id)
	}
	select {
	case r := <-cmd.resp:
		return r.Data, r.Err
	case <-time.After(timeout):
		p.log.Warningf("pipeline: command 0x%04x (%s) timed out waiting for response", opcode, cmd.id)
		return nil, fmt.Errorf("pipeline: command 0x%04x timed out", opcode)
	}
}

// StackDumpTriggered reports whether the receive worker's stack-dump
// detector has latched.
func (p *Pipeline) StackDumpTriggered() bool {
	return p.detector.Triggered()
}

// Start launches the receive and send workers against tr. Both goroutines
// run until exitRequested is set; Start does not block.
func (p *Pipeline) Start(tr *transport.Transport) {
	go logutil.RecoverToLog(func() { p.receiveLoop(tr) }, p.log, "receive")
	go logutil.RecoverToLog(func() { p.sendLoop(tr) }, p.log, "send")
}
