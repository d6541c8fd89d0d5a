package hci

import (
	"bytes"
	"testing"
)

func TestParseCommand(t *testing.T) {
	raw := BuildCommand(0xFC4D, []byte{0x01, 0x02, 0x03})
	f, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	cmd, ok := f.(Command)
	if !ok {
		t.Fatalf("expected Command, got %T", f)
	}
	if cmd.Opcode != 0xFC4D {
		t.Fatalf("opcode: got 0x%04x", cmd.Opcode)
	}
	if !bytes.Equal(cmd.Payload, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("payload: got %x", cmd.Payload)
	}
}

func TestParseEventCommandComplete(t *testing.T) {
	data := append([]byte{0xFF}, PutU16LE(nil, 0xFC4D)...)
	data = append(data, 0x00) // status
	raw := append([]byte{TypeEvent, EventCommandComplete, byte(len(data))}, data...)

	f, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := f.(Event)
	if !ok {
		t.Fatalf("expected Event, got %T", f)
	}
	opcode, ok := ev.IsCommandComplete()
	if !ok {
		t.Fatal("expected IsCommandComplete true")
	}
	if opcode != 0xFC4D {
		t.Fatalf("echoed opcode: got 0x%04x", opcode)
	}
}

func TestParseEventNotCommandComplete(t *testing.T) {
	raw := []byte{TypeEvent, 0x05, 0x01, 0xAA}
	f, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	ev := f.(Event)
	if _, ok := ev.IsCommandComplete(); ok {
		t.Fatal("did not expect Command Complete")
	}
}

func TestParseACL(t *testing.T) {
	payload := []byte{0xDE, 0xAD}
	handleFlags := uint16(0x0007) | uint16(0x2)<<12
	raw := append([]byte{TypeACL}, PutU16LE(nil, handleFlags)...)
	raw = append(raw, PutU16LE(nil, uint16(len(payload)))...)
	raw = append(raw, payload...)

	f, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	acl := f.(ACL)
	if acl.Handle != 0x0007 {
		t.Fatalf("handle: got 0x%04x", acl.Handle)
	}
	if acl.Flags != 0x2 {
		t.Fatalf("flags: got 0x%x", acl.Flags)
	}
	if !bytes.Equal(acl.Data, payload) {
		t.Fatalf("data: got %x", acl.Data)
	}
}

func TestParseTruncated(t *testing.T) {
	if _, err := Parse([]byte{TypeCommand, 0x4D, 0xFC, 0x05, 0x01}); err == nil {
		t.Fatal("expected error for truncated command")
	}
}

func TestParseUnknownType(t *testing.T) {
	if _, err := Parse([]byte{0x99}); err == nil {
		t.Fatal("expected error for unknown packet type")
	}
}
