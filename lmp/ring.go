package lmp

import (
	"fmt"
	"sort"
	"time"

	"github.com/bot6/internalblue/fw"
	"github.com/bot6/internalblue/hci"
	"github.com/bot6/internalblue/mem"
)

// directionBit is the high bit of a ring entry's stored counter: set when
// the packet was sent by the device (spec.md §3).
const directionBit = uint32(1) << 31

// sequenceMask strips the direction bit, leaving the monotonically
// increasing sequence number (spec.md §3/§4.5).
const sequenceMask = uint32(0x7FFFFFFF)

// rawEntry is one decoded 32-byte ring slot before packet extraction.
type rawEntry struct {
	counterTag uint32
	payload    [fw.RingEntrySize - 4]byte
}

// decodeRingTable parses a contiguous run of 32-byte ring entries.
func decodeRingTable(data []byte) ([]rawEntry, error) {
	if len(data)%fw.RingEntrySize != 0 {
		return nil, fmt.Errorf("lmp: ring data length %d is not a multiple of %d", len(data), fw.RingEntrySize)
	}
	n := len(data) / fw.RingEntrySize
	out := make([]rawEntry, n)
	for i := 0; i < n; i++ {
		e := data[i*fw.RingEntrySize : (i+1)*fw.RingEntrySize]
		out[i].counterTag = hci.U32LE(e[0:4])
		copy(out[i].payload[:], e[4:])
	}
	return out, nil
}

// Packet is one reassembled LMP packet, decoded and ready for delivery to
// the user callback (spec.md §4.5).
type Packet struct {
	Sequence         uint32
	SentByDevice     bool
	ConnectionNumber uint8
	Opcode           uint8
	Data             []byte

	// SrcAddress/DstAddress are filled in by the monitor after ring
	// decode, once the peer address for ConnectionNumber is known
	// (spec.md §4.5: "invoke the user callback with (..., src_addr,
	// dst_addr)").
	SrcAddress [fw.PeerAddrLen]byte
	DstAddress [fw.PeerAddrLen]byte
}

// decodeEntry turns one raw ring slot into a Packet. The entry layout
// (spec.md §3 / §4.5 INSTALLING): 4-byte counter_tag, a 4-byte prefix
// whose third byte is the connection number, then 24 bytes of raw LMP
// packet bytes starting with the opcode|tid byte.
func decodeEntry(e rawEntry) Packet {
	connNum := e.payload[2]
	lmpBytes := e.payload[4:]

	opcode := lmpBytes[0] >> 1
	length := fw.LMPLengths[opcode]
	if opcode >= 0x7C {
		length = fw.LMPEscLengths[lmpBytes[1]]
	}
	if length <= 0 || length > len(lmpBytes) {
		length = len(lmpBytes)
	}

	return Packet{
		Sequence:         e.counterTag & sequenceMask,
		SentByDevice:     e.counterTag&directionBit != 0,
		ConnectionNumber: connNum,
		Opcode:           opcode,
		Data:             append([]byte(nil), lmpBytes[:length]...),
	}
}

// readPlan computes which ring positions hold entries not yet delivered,
// given the previously captured sequence number and the freshly read
// global counter (spec.md §4.5's three-case classification, unified: the
// "no wrap" and "wrap" cases are the same position walk modulo
// fw.RingEntryCount; only the full-wrap case, where the reader has fallen
// more than a table's worth behind, is distinct).
//
// positions lists ring slot indices in delivery order; dropped is the
// packet-loss count spec.md §4.5 reports on a full wrap.
func readPlan(lastCaptured, newCounter uint32) (positions []int, dropped int, hasNew bool) {
	diff := newCounter - lastCaptured
	if diff == 0 {
		return nil, 0, false
	}
	if diff >= uint32(fw.RingEntryCount) {
		positions = make([]int, fw.RingEntryCount)
		for i := range positions {
			positions[i] = i
		}
		return positions, int(diff) - 1, true
	}
	lastPos := int(lastCaptured & 0x1F)
	positions = make([]int, diff)
	for i := range positions {
		positions[i] = (lastPos + 1 + i) % fw.RingEntryCount
	}
	return positions, 0, true
}

// sortBySequence restores send/recv interleaving order (spec.md §4.5:
// "sort by counter_tag & 0x7FFFFFFF").
func sortBySequence(packets []Packet) {
	sort.Slice(packets, func(i, j int) bool { return packets[i].Sequence < packets[j].Sequence })
}

// ringReadRegion describes one contiguous mem.ReadMem span needed to
// cover the positions readPlan returned; positions that wrap past the
// end of the table split into two regions.
type ringReadRegion struct {
	startPos int
	count    int
}

// planRegions groups positions (always consecutive modulo table size, by
// construction of readPlan) into one or two contiguous reads.
func planRegions(positions []int) []ringReadRegion {
	if len(positions) == 0 {
		return nil
	}
	if len(positions) == 1 {
		return []ringReadRegion{{startPos: positions[0], count: 1}}
	}
	// Detect the wrap split: the one place consecutive positions drop
	// back to 0.
	for i := 1; i < len(positions); i++ {
		if positions[i] != (positions[i-1]+1)%fw.RingEntryCount {
			return []ringReadRegion{
				{startPos: positions[0], count: i},
				{startPos: positions[i], count: len(positions) - i},
			}
		}
	}
	return []ringReadRegion{{startPos: positions[0], count: len(positions)}}
}

// pollRing reads the global counter, works out which entries are new,
// fetches just those entries from controller RAM, and returns them
// decoded and ordered by sequence number, along with the counter value to
// remember as lastCaptured for the next call and the dropped-packet count
// (spec.md §4.5 RUNNING state).
func pollRing(c mem.Commander, ringBase, lastCaptured uint32, timeout time.Duration) ([]Packet, uint32, int, error) {
	counterBytes, _, err := mem.ReadMem(c, ringBase, 4, timeout, nil)
	if err != nil {
		return nil, lastCaptured, 0, fmt.Errorf("lmp: read ring counter: %w", err)
	}
	newCounter := hci.U32LE(counterBytes) &^ directionBit

	positions, dropped, hasNew := readPlan(lastCaptured, newCounter)
	if !hasNew {
		return nil, lastCaptured, 0, nil
	}

	var packets []Packet
	for _, region := range planRegions(positions) {
		addr := ringBase + 4 + uint32(region.startPos)*fw.RingEntrySize
		data, _, err := mem.ReadMem(c, addr, region.count*fw.RingEntrySize, timeout, nil)
		if err != nil {
			return nil, lastCaptured, 0, fmt.Errorf("lmp: read ring entries: %w", err)
		}
		entries, err := decodeRingTable(data)
		if err != nil {
			return nil, lastCaptured, 0, err
		}
		for _, e := range entries {
			packets = append(packets, decodeEntry(e))
		}
	}

	sortBySequence(packets)
	return packets, newCounter, dropped, nil
}
