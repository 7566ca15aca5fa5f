package perf

import (
	"bytes"

	"github.com/pkg/errors"
)

// Mmap2Event is a decoded PERF_RECORD_MMAP2 payload: a module load or
// an anonymous executable mapping, carrying enough to key a
// modulemap.Module (device/inode) and place it in virtual memory.
type Mmap2Event struct {
	PID, TID  uint32
	Addr, Len uint64
	PgOff     uint64
	Major, Minor uint32
	Inode     uint64
	Prot, Flags uint32
	Filename  string
}

// ParseMmap2 decodes a PERF_RECORD_MMAP2 payload. The kernel always
// lays out these fields in this fixed order, regardless of
// sample_type; Filename is a variable-length, NUL-padded trailer that
// runs to the end of payload.
func ParseMmap2(payload []byte) (Mmap2Event, error) {
	var e Mmap2Event
	r := sampleReader{buf: payload}

	pid, err := r.u32()
	if err != nil {
		return e, errors.Wrap(err, "mmap2 pid")
	}
	tid, err := r.u32()
	if err != nil {
		return e, errors.Wrap(err, "mmap2 tid")
	}
	addr, err := r.u64()
	if err != nil {
		return e, errors.Wrap(err, "mmap2 addr")
	}
	length, err := r.u64()
	if err != nil {
		return e, errors.Wrap(err, "mmap2 len")
	}
	pgoff, err := r.u64()
	if err != nil {
		return e, errors.Wrap(err, "mmap2 pgoff")
	}
	maj, err := r.u32()
	if err != nil {
		return e, errors.Wrap(err, "mmap2 maj")
	}
	min, err := r.u32()
	if err != nil {
		return e, errors.Wrap(err, "mmap2 min")
	}
	ino, err := r.u64()
	if err != nil {
		return e, errors.Wrap(err, "mmap2 ino")
	}
	if _, err := r.u64(); err != nil { // ino_generation
		return e, errors.Wrap(err, "mmap2 ino_generation")
	}
	prot, err := r.u32()
	if err != nil {
		return e, errors.Wrap(err, "mmap2 prot")
	}
	flags, err := r.u32()
	if err != nil {
		return e, errors.Wrap(err, "mmap2 flags")
	}

	e.PID, e.TID = pid, tid
	e.Addr, e.Len, e.PgOff = addr, length, pgoff
	e.Major, e.Minor = maj, min
	e.Inode = ino
	e.Prot, e.Flags = prot, flags
	e.Filename = nulTerminated(r.buf[r.pos:])

	return e, nil
}

// CommEvent is a decoded PERF_RECORD_COMM payload: pid/tid now has the
// given command name, either from exec or a thread naming itself.
type CommEvent struct {
	PID, TID uint32
	Comm     string
}

// ParseComm decodes a PERF_RECORD_COMM payload.
func ParseComm(payload []byte) (CommEvent, error) {
	var e CommEvent
	r := sampleReader{buf: payload}

	pid, err := r.u32()
	if err != nil {
		return e, errors.Wrap(err, "comm pid")
	}
	tid, err := r.u32()
	if err != nil {
		return e, errors.Wrap(err, "comm tid")
	}
	e.PID, e.TID = pid, tid
	e.Comm = nulTerminated(r.buf[r.pos:])
	return e, nil
}

// ForkEvent is a decoded PERF_RECORD_FORK payload.
type ForkEvent struct {
	PID, PPID uint32
	TID, PTID uint32
	Time      uint64
}

// ParseFork decodes a PERF_RECORD_FORK payload.
func ParseFork(payload []byte) (ForkEvent, error) {
	var e ForkEvent
	r := sampleReader{buf: payload}

	var err error
	if e.PID, err = r.u32(); err != nil {
		return e, errors.Wrap(err, "fork pid")
	}
	if e.PPID, err = r.u32(); err != nil {
		return e, errors.Wrap(err, "fork ppid")
	}
	if e.TID, err = r.u32(); err != nil {
		return e, errors.Wrap(err, "fork tid")
	}
	if e.PTID, err = r.u32(); err != nil {
		return e, errors.Wrap(err, "fork ptid")
	}
	if e.Time, err = r.u64(); err != nil {
		return e, errors.Wrap(err, "fork time")
	}
	return e, nil
}

// ExitEvent is a decoded PERF_RECORD_EXIT payload, shaped identically
// to ForkEvent on the wire.
type ExitEvent struct {
	PID, PPID uint32
	TID, PTID uint32
	Time      uint64
}

// ParseExit decodes a PERF_RECORD_EXIT payload.
func ParseExit(payload []byte) (ExitEvent, error) {
	fk, err := ParseFork(payload)
	if err != nil {
		return ExitEvent{}, err
	}
	return ExitEvent(fk), nil
}

// nulTerminated returns b up to (not including) its first NUL byte,
// or all of b if it has none; record filenames/comms are NUL-padded
// out to an 8-byte boundary by the kernel.
func nulTerminated(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
