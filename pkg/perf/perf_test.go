package perf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/maxgio92/tracecore/pkg/dwarf"
)

// TestSampleBits_MatchKernelConstants guards against the local
// Sample* bits drifting away from the real PERF_SAMPLE_* values attr.go
// builds Sample_type from; a mismatch here means ParseSample silently
// stops decoding regs/stack/callchain against a real kernel.
func TestSampleBits_MatchKernelConstants(t *testing.T) {
	require.EqualValues(t, unix.PERF_SAMPLE_IP, SampleIP)
	require.EqualValues(t, unix.PERF_SAMPLE_TID, SampleTID)
	require.EqualValues(t, unix.PERF_SAMPLE_TIME, SampleTime)
	require.EqualValues(t, unix.PERF_SAMPLE_CPU, SampleCPU)
	require.EqualValues(t, unix.PERF_SAMPLE_CALLCHAIN, SampleCallchain)
	require.EqualValues(t, unix.PERF_SAMPLE_REGS_USER, SampleRegsUser)
	require.EqualValues(t, unix.PERF_SAMPLE_STACK_USER, SampleStackUser)
}

const testDataSize = 4096

func newTestRing() *Ring {
	mem := make([]byte, testDataSize+testDataSize) // header page + one data page
	return &Ring{mem: mem, dataOffset: testDataSize, dataSize: testDataSize}
}

// writeRaw writes b into the ring's data region starting at the
// ring-relative offset off (mod dataSize), wrapping at the boundary
// exactly as the kernel producer would.
func writeRaw(r *Ring, off uint64, b []byte) {
	mask := r.dataSize - 1
	start := off & mask
	if start+uint64(len(b)) <= r.dataSize {
		copy(r.mem[r.dataOffset+start:], b)
		return
	}
	firstLen := r.dataSize - start
	copy(r.mem[r.dataOffset+start:], b[:firstLen])
	copy(r.mem[r.dataOffset:], b[firstLen:])
}

func writeRecord(r *Ring, off uint64, typ uint32, misc uint16, payload []byte) uint64 {
	size := uint16(recordHeaderSize + len(payload))
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], typ)
	binary.LittleEndian.PutUint16(hdr[4:6], misc)
	binary.LittleEndian.PutUint16(hdr[6:8], size)
	writeRaw(r, off, hdr[:])
	writeRaw(r, off+recordHeaderSize, payload)
	return off + uint64(size)
}

func TestRing_ReadWrapsAroundBuffer(t *testing.T) {
	r := newTestRing()
	// start near the end of the data page so the payload straddles
	// the wraparound point.
	off := uint64(testDataSize - 4)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	writeRaw(r, off, payload)

	got := make([]byte, len(payload))
	r.Read(off, uint64(len(payload)), got)
	require.Equal(t, payload, got)
}

func TestConsumeRecords_DispatchesAndCommitsTail(t *testing.T) {
	r := newTestRing()

	pos := uint64(0)
	pos = writeRecord(r, pos, RecordComm, 0, []byte("a"))
	pos = writeRecord(r, pos, RecordSample, 0, []byte("bbbbbbbb"))
	r.storeU64(ringDataHeadOffset, pos)
	r.storeU64(ringDataTailOffset, 0)

	var types []uint32
	scratch := make([]byte, 64)
	n := ConsumeRecords(r, scratch, func(rec Record) {
		types = append(types, rec.Type)
	})

	require.Equal(t, 2, n)
	require.Equal(t, []uint32{RecordComm, RecordSample}, types)
	require.Equal(t, pos, r.Tail())
}

func TestConsumeRecords_StopsOnPartialRecord(t *testing.T) {
	r := newTestRing()
	pos := writeRecord(r, 0, RecordComm, 0, []byte("ok"))
	r.storeU64(ringDataHeadOffset, pos-1) // producer mid-write
	r.storeU64(ringDataTailOffset, 0)

	n := ConsumeRecords(r, make([]byte, 64), func(Record) {})
	require.Equal(t, 0, n)
	require.Equal(t, uint64(0), r.Tail())
}

func TestParseSample_DecodesIPTimeCPUAndRegs(t *testing.T) {
	sampleType := uint64(SampleIP | SampleTime | SampleCPU | SampleRegsUser)
	regsMask := uint64(regMaskRSP | regMaskRBP)

	var buf []byte
	appendU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	appendU32Pair := func(a, b uint32) {
		var buf4 [8]byte
		binary.LittleEndian.PutUint32(buf4[0:4], a)
		binary.LittleEndian.PutUint32(buf4[4:8], b)
		buf = append(buf, buf4[:]...)
	}

	appendU64(0xdeadbeef) // ip
	appendU64(123456)     // time
	appendU32Pair(3, 0)   // cpu, res
	appendU64(0)          // regs abi
	appendU64(0x7ffe0100) // rbp (bit 6: lower bit index first)
	appendU64(0x7ffe0000) // rsp (bit 7)

	s, err := ParseSample(buf, sampleType, regsMask)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), s.IP)
	require.Equal(t, uint64(123456), s.Time)
	require.Equal(t, uint32(3), s.CPU)
	require.Equal(t, uint64(0x7ffe0000), s.Regs[dwarf.RegRSP])
	require.Equal(t, uint64(0x7ffe0100), s.Regs[dwarf.RegRBP])
}

func TestParseSample_TruncatedPayloadErrors(t *testing.T) {
	_, err := ParseSample([]byte{1, 2, 3}, SampleIP, 0)
	require.Error(t, err)
}
