package pipeline

import (
	"time"

	"github.com/bot6/internalblue/hci"
	"github.com/bot6/internalblue/transport"
)

// popTimeout is how long the send worker waits for the next outbound
// request, or the next mirrored event, before re-checking exitRequested.
const popTimeout = 500 * time.Millisecond

// sendLoop serializes outbound HCI commands and correlates each with its
// Command Complete event (spec.md §4.3). Its flush-then-transmit pattern
// is the ordering guarantee spec.md §5 relies on: a command only ever
// observes events the receive worker delivered after it was written.
func (p *Pipeline) sendLoop(tr *transport.Transport) {
	p.sendAlive.Store(true)
	defer p.sendAlive.Store(false)
	p.log.Debug("send: started")
	defer p.log.Debug("send: terminated")

	for !p.exitRequested.Load() {
		p.secondary.Flush()

		var cmd *pendingCommand
		select {
		case cmd = <-p.outbound:
		case <-time.After(popTimeout):
			continue
		}

		if err := tr.WriteCommand(cmd.opcode, cmd.params); err != nil {
			cmd.deliver(nil, err)
			continue
		}
		p.log.Debugf("send: wrote command 0x%04x (%s)", cmd.opcode, cmd.id)

		for !p.exitRequested.Load() {
			frame, ok := p.secondary.Pop(popTimeout)
			if !ok {
				continue
			}
			ev, ok := frame.(hci.Event)
			if !ok {
				continue
			}
			opcode, ok := ev.IsCommandComplete()
			if !ok || opcode != cmd.opcode {
				continue
			}
			cmd.deliver(ev.Data, nil)
			break
		}
	}
}
