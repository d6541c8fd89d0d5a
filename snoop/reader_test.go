package snoop

import (
	"bytes"
	"math"
	"testing"
)

func buildHeader(magic string, version, datalink uint32) []byte {
	b := []byte(magic)
	b = append(b, byte(version>>24), byte(version>>16), byte(version>>8), byte(version))
	b = append(b, byte(datalink>>24), byte(datalink>>16), byte(datalink>>8), byte(datalink))
	return b
}

func TestReadHeader(t *testing.T) {
	raw := buildHeader("btsnoop\x00", 1, 1002)
	h, err := ReadHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if h.Version != 1 || h.Datalink != 1002 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestReadHeaderShort(t *testing.T) {
	if _, err := ReadHeader(bytes.NewReader(make([]byte, 15))); err == nil {
		t.Fatal("expected error for short header")
	}
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func be64(v int64) []byte {
	u := uint64(v)
	return []byte{byte(u >> 56), byte(u >> 48), byte(u >> 40), byte(u >> 32), byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
}

func TestReadRecordRoundTrip(t *testing.T) {
	frame := []byte{0x04, 0x0E, 0x04, 0x01, 0x4D, 0xFC, 0x00}
	var buf bytes.Buffer
	buf.Write(be32(uint32(len(frame))))
	buf.Write(be32(uint32(len(frame))))
	buf.Write(be32(0))
	buf.Write(be32(0))
	buf.Write(be64(1000))
	buf.Write(frame)

	rec, err := ReadRecord(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if rec.IncludedLen != uint32(len(frame)) {
		t.Fatalf("included len: got %d", rec.IncludedLen)
	}
	if !bytes.Equal(rec.Frame, frame) {
		t.Fatalf("frame: got %x want %x", rec.Frame, frame)
	}
}

func TestRecordTimeKnownOffset(t *testing.T) {
	rec := Record{Time64: gregorianOffset}
	tm, ok := rec.Time()
	if !ok {
		t.Fatal("expected ok at the known 2000-01-01 offset")
	}
	if tm.Year() != 2000 || tm.Month() != 1 || tm.Day() != 1 {
		t.Fatalf("expected 2000-01-01, got %v", tm)
	}
}

func TestRecordTimeOverflowIsAbsent(t *testing.T) {
	rec := Record{Time64: math.MaxInt64}
	if _, ok := rec.Time(); ok {
		t.Fatal("expected overflowing time64 to report absent timestamp")
	}
}
