// Package mem implements the memory-access primitives built on the vendor
// HCI opcodes for controller RAM read/write/launch (spec.md §4.4).
package mem

import (
	"fmt"
	"time"

	"github.com/bot6/internalblue/fw"
	"github.com/bot6/internalblue/hci"
)

// Commander is the pipeline contract mem depends on: submit one HCI
// command and block for its Command Complete response. mem depends only
// on this interface, not on pipeline internals (SPEC_FULL.md §4.7).
type Commander interface {
	SubmitCommand(opcode uint16, params []byte, timeout time.Duration) ([]byte, error)
}

// ChunkResult reports the per-chunk outcome of a ReadMem call, resolving
// spec.md §9's open question about status bytes getting silently mixed
// into the returned buffer.
type ChunkResult struct {
	Addr   uint32
	Length int
	Status uint8
}

// Progress is an optional callback for long transfers, recovered from the
// original tool's progress_log/bytes_done/bytes_total parameters
// (SPEC_FULL.md §7).
type Progress func(done, total int)

// ReadMem reads length bytes starting at addr, chunked into ≤251-byte
// vendor read-RAM requests (spec.md §4.4/§8). It returns the best-effort
// concatenated buffer together with the status of each chunk; a non-zero
// status does not abort the read, matching the original's behavior, but
// is now visible to the caller instead of silently mixed in.
func ReadMem(c Commander, addr uint32, length int, timeout time.Duration, progress Progress) ([]byte, []ChunkResult, error) {
	out := make([]byte, 0, length)
	var results []ChunkResult

	readAddr := addr
	for len(out) < length {
		blocksize := length - len(out)
		if blocksize > fw.MaxChunkSize {
			blocksize = fw.MaxChunkSize
		}

		params := hci.PutU32LE(nil, readAddr)
		params = append(params, byte(blocksize))

		resp, err := c.SubmitCommand(fw.OpcodeReadRAM, params, timeout)
		if err != nil {
			return out, results, fmt.Errorf("mem: read at 0x%08x: %w", readAddr, err)
		}
		if len(resp) < 4 {
			return out, results, fmt.Errorf("mem: read at 0x%08x: short response", readAddr)
		}
		status := resp[3]
		data := resp[4:]
		results = append(results, ChunkResult{Addr: readAddr, Length: len(data), Status: status})

		out = append(out, data...)
		readAddr += uint32(len(data))

		if progress != nil {
			progress(len(out), length)
		}
		if len(data) == 0 {
			// Avoid spinning forever if the controller stops making
			// forward progress on a bad status.
			break
		}
	}
	return out, results, nil
}

// WriteMem writes data starting at addr, chunked into ≤251-byte vendor
// write-RAM requests, aborting on the first non-zero status byte
// (spec.md §4.4).
func WriteMem(c Commander, addr uint32, data []byte, timeout time.Duration, progress Progress) error {
	writeAddr := addr
	written := 0
	for written < len(data) {
		blocksize := len(data) - written
		if blocksize > fw.MaxChunkSize {
			blocksize = fw.MaxChunkSize
		}

		params := hci.PutU32LE(nil, writeAddr)
		params = append(params, data[written:written+blocksize]...)

		resp, err := c.SubmitCommand(fw.OpcodeWriteRAM, params, timeout)
		if err != nil {
			return fmt.Errorf("mem: write at 0x%08x: %w", writeAddr, err)
		}
		if len(resp) < 4 {
			return fmt.Errorf("mem: write at 0x%08x: short response", writeAddr)
		}
		if resp[3] != 0 {
			return fmt.Errorf("mem: write at 0x%08x: controller status 0x%02x", writeAddr, resp[3])
		}

		writeAddr += uint32(blocksize)
		written += blocksize
		if progress != nil {
			progress(written, len(data))
		}
	}
	return nil
}

// LaunchRAM executes firmware code at addr (spec.md §4.4).
func LaunchRAM(c Commander, addr uint32, timeout time.Duration) error {
	params := hci.PutU32LE(nil, addr)
	resp, err := c.SubmitCommand(fw.OpcodeLaunchRAM, params, timeout)
	if err != nil {
		return fmt.Errorf("mem: launch at 0x%08x: %w", addr, err)
	}
	if len(resp) < 4 {
		return fmt.Errorf("mem: launch at 0x%08x: short response", addr)
	}
	if resp[3] != 0 {
		return fmt.Errorf("mem: launch at 0x%08x: controller status 0x%02x", addr, resp[3])
	}
	return nil
}
