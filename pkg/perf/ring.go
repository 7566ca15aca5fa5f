package perf

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Ring wraps the mmap'd region backing one perf_event fd: a header
// page (struct perf_event_mmap_page) followed by the data pages
// themselves. Offsets below are fixed by the kernel's ABI and do not
// vary across kernel versions.
const (
	ringDataHeadOffset   = 1024
	ringDataTailOffset   = 1032
	ringDataOffsetOffset = 1040
	ringDataSizeOffset   = 1048
)

// Ring is one CPU's memory-mapped perf ring buffer.
type Ring struct {
	mem        []byte
	dataOffset uint64
	dataSize   uint64
}

// MapRing mmaps fd's ring buffer, sized pages+1 (the header page plus
// pages data pages; pages must be a power of two).
func MapRing(fd int, pages int) (*Ring, error) {
	size := (pages + 1) * unix.Getpagesize()
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "perf: mmap ring buffer")
	}

	r := &Ring{mem: mem}
	r.dataOffset = r.loadU64(ringDataOffsetOffset)
	r.dataSize = r.loadU64(ringDataSizeOffset)
	return r, nil
}

// Close unmaps the ring buffer.
func (r *Ring) Close() error {
	return unix.Munmap(r.mem)
}

func (r *Ring) ptr64(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

func (r *Ring) loadU64(off uint64) uint64 {
	return atomic.LoadUint64(r.ptr64(off))
}

func (r *Ring) storeU64(off uint64, v uint64) {
	atomic.StoreUint64(r.ptr64(off), v)
}

// Head returns the producer's current write position (data_head),
// acquiring everything the kernel published up to that point.
func (r *Ring) Head() uint64 {
	return r.loadU64(ringDataHeadOffset)
}

// Tail returns this consumer's last-committed read position.
func (r *Ring) Tail() uint64 {
	return r.loadU64(ringDataTailOffset)
}

// CommitTail publishes tail back to the kernel, releasing the data
// pages up to that point for reuse by the producer.
func (r *Ring) CommitTail(tail uint64) {
	r.storeU64(ringDataTailOffset, tail)
}

// Read copies n bytes starting at the ring-relative offset off
// (mod data_size) into dst, reassembling the record across the
// buffer's wraparound point if it straddles the end.
func (r *Ring) Read(off, n uint64, dst []byte) {
	base := r.dataOffset
	mask := r.dataSize - 1
	start := off & mask

	if start+n <= r.dataSize {
		copy(dst, r.mem[base+start:base+start+n])
		return
	}

	firstLen := r.dataSize - start
	copy(dst[:firstLen], r.mem[base+start:base+r.dataSize])
	copy(dst[firstLen:], r.mem[base:base+(n-firstLen)])
}
