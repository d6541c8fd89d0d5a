// Package transport owns the two TCP streams that tunnel the HCI snoop
// and inject channels from the mobile-device bridge (spec.md §4.1).
package transport

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bot6/internalblue/hci"
	"github.com/bot6/internalblue/snoop"
)

// ReadTimeout bounds every blocking socket read so worker goroutines can
// re-check a cancellation flag, per spec.md §4.1/§5.
const ReadTimeout = 500 * time.Millisecond

// Transport owns the snoop (read-only from the host's perspective) and
// inject (write-dominant) sockets for one session. Once a session's
// workers are running, each socket is used exclusively by its own worker;
// Transport itself performs no synchronization, matching spec.md §5's
// shared-resource policy.
type Transport struct {
	snoopConn  net.Conn
	injectConn net.Conn

	// CaptureLog, if non-nil, mirrors every byte read from the snoop
	// socket in exact wire order (spec.md §4.2 / capture log fidelity).
	CaptureLog io.Writer
}

// Dial connects to the snoop and inject TCP endpoints the bridge has
// already forwarded to loopback (spec.md §4.1: snoop on port, inject on
// port+1).
func Dial(host string, snoopPort int) (*Transport, error) {
	snoopConn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, snoopPort))
	if err != nil {
		return nil, fmt.Errorf("transport: dial snoop: %w", err)
	}
	injectConn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, snoopPort+1))
	if err != nil {
		snoopConn.Close()
		return nil, fmt.Errorf("transport: dial inject: %w", err)
	}
	// Best-effort kernel-level timeout in addition to the per-read
	// deadline set in readFull; failure here is not fatal.
	_ = setKernelReadTimeout(snoopConn, ReadTimeout)
	_ = setKernelReadTimeout(injectConn, ReadTimeout)
	return &Transport{snoopConn: snoopConn, injectConn: injectConn}, nil
}

// New wraps two already-connected streams (used by tests with net.Pipe,
// mirroring the teacher's use of httptest instead of a real listener).
func New(snoopConn, injectConn net.Conn) *Transport {
	return &Transport{snoopConn: snoopConn, injectConn: injectConn}
}

// Close tears down both sockets. It returns the snoop socket's close
// error if there is one, otherwise the inject socket's.
func (t *Transport) Close() error {
	err1 := t.snoopConn.Close()
	err2 := t.injectConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// readFull reads exactly len(buf) bytes from the snoop socket, retrying on
// read-deadline timeouts (spec.md §4.2: "read a 24-byte record header
// (with retries on timeout)"). It mirrors every byte read to CaptureLog in
// wire order before returning.
func (t *Transport) readFull(buf []byte, exitRequested func() bool) error {
	total := 0
	for total < len(buf) {
		if exitRequested != nil && exitRequested() {
			return fmt.Errorf("transport: exit requested")
		}
		t.snoopConn.SetReadDeadline(time.Now().Add(ReadTimeout))
		n, err := t.snoopConn.Read(buf[total:])
		if n > 0 {
			if t.CaptureLog != nil {
				t.CaptureLog.Write(buf[total : total+n])
			}
			total += n
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
	}
	return nil
}

// ReadSnoopHeader consumes the 16-byte snoop file header. Fewer than 16
// bytes is a setup failure (spec.md §4.1).
func (t *Transport) ReadSnoopHeader(exitRequested func() bool) (snoop.Header, error) {
	var buf [snoop.HeaderLen]byte
	if err := t.readFull(buf[:], exitRequested); err != nil {
		return snoop.Header{}, fmt.Errorf("transport: snoop header: %w", err)
	}
	var h snoop.Header
	copy(h.Magic[:], buf[0:8])
	h.Version = hci.U32BE(buf[8:12])
	h.Datalink = hci.U32BE(buf[12:16])
	return h, nil
}

// ReadRecord reads one snoop record (24-byte header + IncLen bytes),
// spec.md §4.1/§6.
func (t *Transport) ReadRecord(exitRequested func() bool) (snoop.Record, error) {
	var hdr [snoop.RecordHeaderLen]byte
	if err := t.readFull(hdr[:], exitRequested); err != nil {
		return snoop.Record{}, err
	}
	rec := snoop.Record{
		OriginalLen: hci.U32BE(hdr[0:4]),
		IncludedLen: hci.U32BE(hdr[4:8]),
		Flags:       hci.U32BE(hdr[8:12]),
		Drops:       hci.U32BE(hdr[12:16]),
		Time64:      hci.I64BE(hdr[16:24]),
	}
	rec.Frame = make([]byte, rec.IncludedLen)
	if rec.IncludedLen > 0 {
		if err := t.readFull(rec.Frame, exitRequested); err != nil {
			return snoop.Record{}, err
		}
	}
	return rec, nil
}

// WriteCommand writes one framed HCI command to the inject socket
// (spec.md §4.1/§6: `01 | op_lo op_hi | plen | params`).
func (t *Transport) WriteCommand(opcode uint16, params []byte) error {
	frame := hci.BuildCommand(opcode, params)
	t.injectConn.SetWriteDeadline(time.Now().Add(ReadTimeout))
	_, err := t.injectConn.Write(frame)
	if err != nil {
		return fmt.Errorf("transport: write command: %w", err)
	}
	return nil
}
