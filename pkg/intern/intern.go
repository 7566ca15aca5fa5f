// Package intern deduplicates variable-length byte and uint64 sequences
// into small stable integer ids. It is the Go counterpart of a
// hash-bucket interning table: a key is hashed, the hash selects a
// bucket, and the bucket's chain is scanned for an exact match before a
// new entry is appended. Ids are stable for the lifetime of the table
// and never reused.
package intern

import (
	"github.com/cespare/xxhash/v2"
)

// span identifies one interned slice's [start,end) region inside a
// shared backing buffer.
type span struct {
	start int
	end   int
}

// Slices interns arbitrary fixed-width elements (bytes or uint64s) as
// contiguous runs inside one growing backing slice, keyed by content.
type Slices[T comparable] struct {
	buckets [][]uint32 // bucket index -> ids of entries hashing there
	mask    uint64
	backing []T
	spans   []span
}

// NewSlices creates an interning table with at least bucketCount
// buckets, rounded up to the next power of two.
func NewSlices[T comparable](bucketCount int) *Slices[T] {
	n := 1
	for n < bucketCount {
		n <<= 1
	}
	if n == 0 {
		n = 1
	}

	return &Slices[T]{
		buckets: make([][]uint32, n),
		mask:    uint64(n - 1),
	}
}

// Len reports the number of distinct slices interned so far.
func (s *Slices[T]) Len() int {
	return len(s.spans)
}

// ToID interns slice, returning its stable id. Equal slices (by
// element-wise equality) always receive the same id; unequal slices
// never collide onto the same id even if their hashes collide.
func (s *Slices[T]) ToID(slice []T) uint32 {
	h := hashSlice(slice)
	bucket := h & s.mask

	for _, id := range s.buckets[bucket] {
		if s.equals(id, slice) {
			return id
		}
	}

	id := uint32(len(s.spans))
	start := len(s.backing)
	s.backing = append(s.backing, slice...)
	s.spans = append(s.spans, span{start: start, end: start + len(slice)})
	s.buckets[bucket] = append(s.buckets[bucket], id)

	return id
}

// FromID reconstructs the slice previously interned under id. The
// returned slice aliases the table's backing storage and must not be
// mutated by the caller.
func (s *Slices[T]) FromID(id uint32) []T {
	if int(id) >= len(s.spans) {
		return nil
	}
	sp := s.spans[id]
	return s.backing[sp.start:sp.end]
}

// ForEach calls fn once per interned slice in id order.
func (s *Slices[T]) ForEach(fn func(id uint32, slice []T)) {
	for id := range s.spans {
		fn(uint32(id), s.FromID(uint32(id)))
	}
}

func (s *Slices[T]) equals(id uint32, slice []T) bool {
	existing := s.FromID(id)
	if len(existing) != len(slice) {
		return false
	}
	for i := range slice {
		if existing[i] != slice[i] {
			return false
		}
	}
	return true
}

func hashSlice[T comparable](slice []T) uint64 {
	// Hash over the raw element bytes via a generic byte-oriented
	// digest; T is always a fixed-width comparable (byte or uint64)
	// in this package's two instantiations, so a simple per-element
	// fold reproduces a stable, order-sensitive digest without
	// depending on unsafe layout tricks.
	d := xxhash.New()
	buf := make([]byte, 8)
	for _, v := range slice {
		switch x := any(v).(type) {
		case byte:
			d.Write([]byte{x})
		case uint64:
			putUint64(buf, x)
			d.Write(buf)
		}
	}
	return d.Sum64()
}

func putUint64(buf []byte, v uint64) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	buf[4] = byte(v >> 32)
	buf[5] = byte(v >> 40)
	buf[6] = byte(v >> 48)
	buf[7] = byte(v >> 56)
}

// Strings interns byte strings. Id 0 is reserved for the empty string.
type Strings struct {
	slices *Slices[byte]
}

// NewStrings creates an empty string interning table.
func NewStrings() *Strings {
	s := &Strings{slices: NewSlices[byte](64)}
	// Reserve id 0 for the empty slice up front.
	s.slices.ToID(nil)
	return s
}

// ToID interns b, returning its stable id.
func (s *Strings) ToID(b []byte) uint32 {
	return s.slices.ToID(b)
}

// FromID returns the bytes interned under id.
func (s *Strings) FromID(id uint32) []byte {
	return s.slices.FromID(id)
}

// ForEach calls fn once per interned string in id order, including
// the reserved empty string at id 0.
func (s *Strings) ForEach(fn func(id uint32, value []byte)) {
	s.slices.ForEach(fn)
}

// CallstackID identifies one interned call stack. The innermost frame
// (ip) is tracked separately from the interned remainder so that two
// call stacks sharing the same tail but different leaves do not force a
// full re-intern of the tail.
type CallstackID struct {
	ip uint64
	id uint32
}

// IP returns the call stack's innermost (leaf) instruction pointer.
func (c CallstackID) IP() uint64 { return c.ip }

// ID returns the interned id of the call stack's remainder (frames[1:]).
func (c CallstackID) ID() uint32 { return c.id }

// Callstacks interns call-stack address sequences. Hashing is
// sequence-sensitive: [1,2,3] and [3,2,1] intern to different ids, and
// recursive frames are not deduplicated.
type Callstacks struct {
	frames *Slices[uint64]
}

// NewCallstacks creates an empty call-stack interning table.
func NewCallstacks() *Callstacks {
	c := &Callstacks{frames: NewSlices[uint64](64)}
	// Reserve id 0 for the empty remainder up front.
	c.frames.ToID(nil)
	return c
}

// ToID interns frames (innermost first), returning a CallstackID.
// An empty stack is valid and yields id 0 for its (empty) remainder.
func (c *Callstacks) ToID(frames []uint64) CallstackID {
	if len(frames) == 0 {
		return CallstackID{}
	}
	return CallstackID{
		ip: frames[0],
		id: c.frames.ToID(frames[1:]),
	}
}

// FromID reconstructs the original frame sequence (innermost first)
// from a CallstackID.
func (c *Callstacks) FromID(id CallstackID) []uint64 {
	rest := c.frames.FromID(id.id)
	out := make([]uint64, 0, len(rest)+1)
	out = append(out, id.ip)
	out = append(out, rest...)
	return out
}
