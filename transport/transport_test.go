package transport

import (
	"bytes"
	"net"
	"testing"
)

func newTestTransport() (*Transport, net.Conn, net.Conn) {
	snoopServer, snoopClient := net.Pipe()
	injectServer, injectClient := net.Pipe()
	tr := New(snoopClient, injectClient)
	return tr, snoopServer, injectServer
}

func TestReadSnoopHeader(t *testing.T) {
	tr, snoopServer, injectServer := newTestTransport()
	defer snoopServer.Close()
	defer injectServer.Close()
	defer tr.Close()

	header := append([]byte("btsnoop\x00"), 0, 0, 0, 1, 0, 0, 0x03, 0xEA)
	go snoopServer.Write(header)

	h, err := tr.ReadSnoopHeader(nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.Version != 1 || h.Datalink != 1002 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestReadRecordMirrorsToCaptureLog(t *testing.T) {
	tr, snoopServer, injectServer := newTestTransport()
	defer snoopServer.Close()
	defer injectServer.Close()
	defer tr.Close()

	var captured bytes.Buffer
	tr.CaptureLog = &captured

	frame := []byte{0x04, 0x0E, 0x04, 0x01, 0x4D, 0xFC, 0x00}
	record := append([]byte{0, 0, 0, byte(len(frame)), 0, 0, 0, byte(len(frame)), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}, frame...)
	go snoopServer.Write(record)

	rec, err := tr.ReadRecord(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Frame, frame) {
		t.Fatalf("frame mismatch: got %x want %x", rec.Frame, frame)
	}
	if !bytes.Equal(captured.Bytes(), record) {
		t.Fatalf("capture log fidelity violated: got %x want %x", captured.Bytes(), record)
	}
}

func TestWriteCommand(t *testing.T) {
	tr, snoopServer, injectServer := newTestTransport()
	defer snoopServer.Close()
	defer injectServer.Close()
	defer tr.Close()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := injectServer.Read(buf)
		done <- buf[:n]
	}()

	if err := tr.WriteCommand(0xFC4D, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	got := <-done
	want := []byte{0x01, 0x4D, 0xFC, 0x02, 0x01, 0x02}
	if !bytes.Equal(got, want) {
		t.Fatalf("wire format: got %x want %x", got, want)
	}
}
