package perf

import "encoding/binary"

// Record types from the kernel's enum perf_event_type (linux/perf_event.h).
// Not exposed by golang.org/x/sys/unix, so declared directly here the
// same way this engine declares DWARF/ELF ABI constants elsewhere.
const (
	RecordMmap     = 1
	RecordLost     = 2
	RecordComm     = 3
	RecordExit     = 4
	RecordThrottle = 5
	RecordUnthrottle = 6
	RecordFork     = 7
	RecordSample   = 9
	RecordMmap2    = 10
)

// recordHeaderSize is sizeof(struct perf_event_header): type, misc,
// size, each a fixed-width field at the start of every record.
const recordHeaderSize = 8

// Record is one decoded ring buffer entry, still holding its raw
// payload for the caller to interpret per Type.
type Record struct {
	Type    uint32
	Misc    uint16
	Payload []byte
}

// ConsumeRecords drains every complete record currently published on
// the ring (between its last committed tail and the producer's
// current head) and hands each to fn in order, committing the tail
// forward as it goes. It returns the number of records read.
func ConsumeRecords(r *Ring, scratch []byte, fn func(Record)) int {
	head := r.Head()
	tail := r.Tail()
	count := 0

	for tail < head {
		if head-tail < recordHeaderSize {
			break
		}

		var hdr [recordHeaderSize]byte
		r.Read(tail, recordHeaderSize, hdr[:])
		typ := binary.LittleEndian.Uint32(hdr[0:4])
		misc := binary.LittleEndian.Uint16(hdr[4:6])
		size := uint64(binary.LittleEndian.Uint16(hdr[6:8]))

		if size < recordHeaderSize || head-tail < size {
			break
		}

		payload := scratch
		if uint64(len(payload)) < size-recordHeaderSize {
			payload = make([]byte, size-recordHeaderSize)
		}
		payload = payload[:size-recordHeaderSize]
		r.Read(tail+recordHeaderSize, size-recordHeaderSize, payload)

		fn(Record{Type: typ, Misc: misc, Payload: payload})

		tail += size
		count++
	}

	r.CommitTail(tail)
	return count
}
