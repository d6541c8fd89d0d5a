package hci

import "fmt"

// Parse decodes a raw HCI frame (as captured on the snoop stream, or built
// for the inject stream) into its tagged variant. The leading byte is the
// UART packet-type indicator shared by both directions.
func Parse(raw []byte) (Frame, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("hci: empty frame")
	}
	switch raw[0] {
	case TypeCommand:
		return parseCommand(raw[1:])
	case TypeEvent:
		return parseEvent(raw[1:])
	case TypeACL:
		return parseACL(raw[1:])
	case TypeSCO:
		return parseSCO(raw[1:])
	default:
		return nil, fmt.Errorf("hci: unknown packet type 0x%02x", raw[0])
	}
}

func parseCommand(b []byte) (Frame, error) {
	if len(b) < 3 {
		return nil, fmt.Errorf("hci: short command header")
	}
	opcode := U16LE(b[0:2])
	plen := int(b[2])
	if len(b) < 3+plen {
		return nil, fmt.Errorf("hci: command payload truncated")
	}
	return Command{Opcode: opcode, Payload: append([]byte(nil), b[3:3+plen]...)}, nil
}

func parseEvent(b []byte) (Frame, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("hci: short event header")
	}
	eventCode := b[0]
	plen := int(b[1])
	if len(b) < 2+plen {
		return nil, fmt.Errorf("hci: event payload truncated")
	}
	return Event{EventCode: eventCode, Data: append([]byte(nil), b[2:2+plen]...)}, nil
}

func parseACL(b []byte) (Frame, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("hci: short ACL header")
	}
	handleFlags := U16LE(b[0:2])
	dlen := int(U16LE(b[2:4]))
	if len(b) < 4+dlen {
		return nil, fmt.Errorf("hci: ACL payload truncated")
	}
	return ACL{
		Handle: handleFlags & 0x0FFF,
		Flags:  uint8(handleFlags >> 12),
		Data:   append([]byte(nil), b[4:4+dlen]...),
	}, nil
}

func parseSCO(b []byte) (Frame, error) {
	if len(b) < 3 {
		return nil, fmt.Errorf("hci: short SCO header")
	}
	handle := U16LE(b[0:2]) & 0x0FFF
	dlen := int(b[2])
	if len(b) < 3+dlen {
		return nil, fmt.Errorf("hci: SCO payload truncated")
	}
	return SCO{Handle: handle, Data: append([]byte(nil), b[3:3+dlen]...)}, nil
}
