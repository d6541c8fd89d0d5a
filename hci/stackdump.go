package hci

// Broadcom controllers report an internal firmware crash as a sequence of
// vendor-specific events (event code 0xFF) whose first payload byte is the
// stack-dump sub-event identifier. A single well-formed header fragment is
// enough to declare the controller's state untrustworthy — the receive
// pipeline does not wait for the whole dump to drain before exiting.
const (
	vendorSpecificEventCode = 0xFF
	stackDumpSubEvent       = 0x57
)

// StackDumpDetector recognizes the controller stack-dump event sequence
// from the snoop stream. It is fed every frame the receive pipeline
// observes; once it has seen enough of the sequence it reports true and
// stays latched for the rest of its lifetime.
type StackDumpDetector struct {
	triggered bool
}

// Feed inspects one frame and reports whether a stack dump has now been
// observed (on this call or any earlier one).
func (d *StackDumpDetector) Feed(f Frame) bool {
	if d.triggered {
		return true
	}
	if ev, ok := f.(Event); ok {
		if ev.EventCode == vendorSpecificEventCode && len(ev.Data) >= 1 && ev.Data[0] == stackDumpSubEvent {
			d.triggered = true
		}
	}
	return d.triggered
}

// Triggered reports the latched state without feeding a new frame.
func (d *StackDumpDetector) Triggered() bool {
	return d.triggered
}
