// Package snoop reads the Bluetooth snoop-v1 wire format that the HCI
// transport tunnels over the bridge's snoop TCP stream, and that the
// optional capture log file mirrors byte-for-byte.
package snoop

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/bot6/internalblue/hci"
)

// HeaderLen is the fixed size of the snoop-v1 file header.
const HeaderLen = 16

// RecordHeaderLen is the fixed size of a snoop record header, before the
// variable-length frame body.
const RecordHeaderLen = 24

// gregorianOffset is the microsecond offset between 0001-01-01 nominal
// Gregorian (the snoop time64 epoch) and 2000-01-01, per spec.md §3.
const gregorianOffset = int64(0x00E03AB44A676000)

var epoch2000 = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Header is the 16-byte snoop-v1 file header.
type Header struct {
	Magic    [8]byte
	Version  uint32
	Datalink uint32
}

// ReadHeader consumes exactly HeaderLen bytes from r. Fewer than 16 bytes
// is reported as an error, never a partial Header.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("snoop: short header: %w", err)
	}
	var h Header
	copy(h.Magic[:], buf[0:8])
	h.Version = hci.U32BE(buf[8:12])
	h.Datalink = hci.U32BE(buf[12:16])
	return h, nil
}

// Record is one snoop capture record: the 24-byte header fields plus the
// raw frame bytes that follow it on the wire.
type Record struct {
	OriginalLen uint32
	IncludedLen uint32
	Flags       uint32
	Drops       uint32
	Time64      int64
	Frame       []byte
}

// ReadRecord consumes one record header and its frame body from r.
func ReadRecord(r io.Reader) (Record, error) {
	var hdr [RecordHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Record{}, err
	}
	rec := Record{
		OriginalLen: hci.U32BE(hdr[0:4]),
		IncludedLen: hci.U32BE(hdr[4:8]),
		Flags:       hci.U32BE(hdr[8:12]),
		Drops:       hci.U32BE(hdr[12:16]),
		Time64:      hci.I64BE(hdr[16:24]),
	}
	rec.Frame = make([]byte, rec.IncludedLen)
	if _, err := io.ReadFull(r, rec.Frame); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// maxDeltaMicros bounds the microsecond delta that can be converted to a
// time.Duration (nanoseconds, int64) without overflow.
const maxDeltaMicros = math.MaxInt64 / int64(time.Microsecond/time.Nanosecond)

// Time converts the record's time64 field to a wall-clock time. ok is
// false when the value overflows normal date arithmetic (spec.md §3
// invariant: such records are reported with an absent timestamp, never a
// failure).
func (rec Record) Time() (t time.Time, ok bool) {
	deltaMicros := rec.Time64 - gregorianOffset
	// Detect the subtraction itself overflowing (gregorianOffset is a
	// positive constant, so only the low end can wrap).
	if rec.Time64 < math.MinInt64+gregorianOffset {
		return time.Time{}, false
	}
	if deltaMicros > maxDeltaMicros || deltaMicros < -maxDeltaMicros {
		return time.Time{}, false
	}
	delta := time.Duration(deltaMicros) * time.Microsecond
	return epoch2000.Add(delta), true
}
