package perf

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/maxgio92/tracecore/pkg/dwarf"
)

// Sample type bits this engine requests and therefore knows how to
// decode, in the fixed order the kernel lays them out in the record.
// These are the real kernel PERF_SAMPLE_* bits, not reassigned local
// values, since ParseSample tests sampleType (built from
// unix.PERF_SAMPLE_* in attr.go) against them directly.
const (
	SampleIP        = unix.PERF_SAMPLE_IP
	SampleTID       = unix.PERF_SAMPLE_TID
	SampleTime      = unix.PERF_SAMPLE_TIME
	SampleCPU       = unix.PERF_SAMPLE_CPU
	SampleCallchain = unix.PERF_SAMPLE_CALLCHAIN
	SampleRegsUser  = unix.PERF_SAMPLE_REGS_USER
	SampleStackUser = unix.PERF_SAMPLE_STACK_USER
)

// perfToDwarf maps an x86-64 perf_regs bit index to its DWARF
// register number, for every register this engine ever requests.
var perfToDwarf = map[int]uint64{
	perfRegSP: dwarf.RegRSP,
	perfRegBP: dwarf.RegRBP,
}

// Sample is a decoded PERF_RECORD_SAMPLE payload.
type Sample struct {
	IP        uint64
	PID, TID  uint32
	Time      uint64
	CPU       uint32
	Callchain []uint64
	Regs      dwarf.Registers
	Stack     []byte
}

// ParseSample decodes payload according to sampleType and
// regsUserMask (the same masks the Session's attr was built with).
func ParseSample(payload []byte, sampleType uint64, regsUserMask uint64) (Sample, error) {
	var s Sample
	r := sampleReader{buf: payload}

	if sampleType&SampleIP != 0 {
		v, err := r.u64()
		if err != nil {
			return s, errors.Wrap(err, "sample ip")
		}
		s.IP = v
	}
	if sampleType&SampleTID != 0 {
		pid, err := r.u32()
		if err != nil {
			return s, errors.Wrap(err, "sample pid")
		}
		tid, err := r.u32()
		if err != nil {
			return s, errors.Wrap(err, "sample tid")
		}
		s.PID, s.TID = pid, tid
	}
	if sampleType&SampleTime != 0 {
		v, err := r.u64()
		if err != nil {
			return s, errors.Wrap(err, "sample time")
		}
		s.Time = v
	}
	if sampleType&SampleCPU != 0 {
		cpu, err := r.u32()
		if err != nil {
			return s, errors.Wrap(err, "sample cpu")
		}
		if _, err := r.u32(); err != nil { // res, always zero
			return s, errors.Wrap(err, "sample cpu res")
		}
		s.CPU = cpu
	}
	if sampleType&SampleCallchain != 0 {
		nr, err := r.u64()
		if err != nil {
			return s, errors.Wrap(err, "sample callchain count")
		}
		s.Callchain = make([]uint64, nr)
		for i := range s.Callchain {
			v, err := r.u64()
			if err != nil {
				return s, errors.Wrap(err, "sample callchain entry")
			}
			s.Callchain[i] = v
		}
	}
	if sampleType&SampleRegsUser != 0 {
		if _, err := r.u64(); err != nil { // abi
			return s, errors.Wrap(err, "sample regs abi")
		}
		s.Regs = make(dwarf.Registers, bits.OnesCount64(regsUserMask))
		for i := 0; i < 64; i++ {
			if regsUserMask&(1<<i) == 0 {
				continue
			}
			v, err := r.u64()
			if err != nil {
				return s, errors.Wrap(err, "sample register value")
			}
			if reg, ok := perfToDwarf[i]; ok {
				s.Regs[reg] = v
			}
			if i == perfRegIP && s.IP == 0 {
				s.IP = v
			}
		}
	}
	if sampleType&SampleStackUser != 0 {
		size, err := r.u64()
		if err != nil {
			return s, errors.Wrap(err, "sample stack size")
		}
		if size > 0 {
			data, err := r.bytes(int(size))
			if err != nil {
				return s, errors.Wrap(err, "sample stack data")
			}
			s.Stack = data
			if _, err := r.u64(); err != nil { // dyn_size
				return s, errors.Wrap(err, "sample stack dyn_size")
			}
		}
	}

	return s, nil
}

type sampleReader struct {
	buf []byte
	pos int
}

func (r *sampleReader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, errors.New("perf: sample record truncated")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *sampleReader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, errors.New("perf: sample record truncated")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *sampleReader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, errors.New("perf: sample record truncated")
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}
