package pipeline

import (
	"github.com/bot6/internalblue/hci"
	"github.com/bot6/internalblue/transport"
)

// receiveLoop drains the snoop socket, parses each record, and distributes
// it to the primary queue, the send worker's private mirror (only while
// the send worker is alive), and the stack-dump detector (spec.md §4.2).
func (p *Pipeline) receiveLoop(tr *transport.Transport) {
	p.log.Debug("receive: started")
	defer p.log.Debug("receive: terminated")

	for !p.exitRequested.Load() {
		rec, err := tr.ReadRecord(p.exitRequested.Load)
		if err != nil {
			p.log.Warningf("receive: socket closed or errored, stopping: %v", err)
			p.exitRequested.Store(true)
			return
		}

		frame, err := hci.Parse(rec.Frame)
		if err != nil {
			p.log.Debugf("receive: could not parse record: %v", err)
			continue
		}

		p.Primary.PushDrainOnFull(frame)

		if p.sendAlive.Load() {
			if !p.secondary.PushOrWarn(frame) {
				p.log.Warning("receive: send worker's mirror queue is full, dropping record")
			}
		}

		if p.detector.Feed(frame) {
			p.log.Warning("receive: controller sent a stack dump, stopping")
			p.exitRequested.Store(true)
			return
		}
	}
}
