package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxgio92/tracecore/pkg/dwarf"
	"github.com/maxgio92/tracecore/pkg/modulemap"
)

func TestWalk_PrologFallbackFindsCallerFrames(t *testing.T) {
	proc := modulemap.NewProcess(1)
	proc.AddModule(modulemap.Module{
		Start: 0x1000, End: 0x9000,
		UnwindKind: modulemap.Prolog,
		Anonymous:  true,
	})

	base := uint64(0x7f0000)
	buf := make([]byte, 64) // slots before offset 32 stay zero: not a module address
	binary.LittleEndian.PutUint64(buf[32:40], 0x1500)  // plausible return address
	stack := Stack{Base: base, Bytes: buf}

	u := NewUnwinder(modulemap.NewPathAccessor(nil))
	ips, res := u.Walk(proc, 0x1200, dwarf.Registers{dwarf.RegRSP: base}, stack)

	require.Equal(t, []uint64{0x1200, 0x1500}, ips)
	// The scan for 0x1500's caller runs off the end of the 64-byte
	// window without finding another return address.
	require.Equal(t, StopStackExhausted, res.StoppedReason)
	require.EqualValues(t, 2, res.FramesWritten)
}

func TestWalk_StopsAtUnknownModule(t *testing.T) {
	proc := modulemap.NewProcess(1)
	u := NewUnwinder(modulemap.NewPathAccessor(nil))

	ips, res := u.Walk(proc, 0xdead, dwarf.Registers{dwarf.RegRSP: 0}, Stack{})
	require.Equal(t, []uint64{0xdead}, ips)
	require.Equal(t, StopNoModule, res.StoppedReason)
	require.EqualValues(t, 1, res.FramesWritten)
}

// TestWalk_StackExhaustedWhenPrologScanCannotRead covers a Prolog
// module whose captured stack window is too short for even one
// prologScan read: the walk must report StopStackExhausted rather
// than silently stopping as if it had reached the bottom cleanly.
func TestWalk_StackExhaustedWhenPrologScanCannotRead(t *testing.T) {
	proc := modulemap.NewProcess(1)
	proc.AddModule(modulemap.Module{
		Start: 0x1000, End: 0x9000,
		UnwindKind: modulemap.Prolog,
		Anonymous:  true,
	})

	base := uint64(0x7f0000)
	u := NewUnwinder(modulemap.NewPathAccessor(nil))

	ips, res := u.Walk(proc, 0x1200, dwarf.Registers{dwarf.RegRSP: base}, Stack{Base: base, Bytes: nil})

	require.Equal(t, []uint64{0x1200}, ips)
	require.Equal(t, StopStackExhausted, res.StoppedReason)
}

// TestWalk_DepthLimitOnCyclicProlog covers a pathological stack where
// every slot looks like a valid return address into the same module,
// so prologScan never fails and the walk must be bounded by
// MaxFrames rather than looping forever.
func TestWalk_DepthLimitOnCyclicProlog(t *testing.T) {
	proc := modulemap.NewProcess(1)
	proc.AddModule(modulemap.Module{
		Start: 0x1000, End: 0x9000,
		UnwindKind: modulemap.Prolog,
		Anonymous:  true,
	})

	base := uint64(0x7f0000)
	buf := make([]byte, (MaxFrames+prologScanBudget+1)*8)
	for off := 0; off+8 <= len(buf); off += 8 {
		binary.LittleEndian.PutUint64(buf[off:off+8], 0x1500)
	}
	stack := Stack{Base: base, Bytes: buf}

	u := NewUnwinder(modulemap.NewPathAccessor(nil))
	ips, res := u.Walk(proc, 0x1200, dwarf.Registers{dwarf.RegRSP: base}, stack)

	require.Equal(t, StopDepthLimit, res.StoppedReason)
	require.EqualValues(t, MaxFrames, len(ips))
	require.EqualValues(t, MaxFrames, res.FramesWritten)
}

// TestWalk_BadSampleWhenNoRSP covers a module with no usable DWARF
// table and a register snapshot missing RSP entirely: step cannot
// even attempt a prolog scan without a starting stack pointer.
func TestWalk_BadSampleWhenNoRSP(t *testing.T) {
	proc := modulemap.NewProcess(1)
	proc.AddModule(modulemap.Module{
		Start: 0x1000, End: 0x9000,
		UnwindKind: modulemap.Prolog,
		Anonymous:  true,
	})

	u := NewUnwinder(modulemap.NewPathAccessor(nil))
	ips, res := u.Walk(proc, 0x1200, dwarf.Registers{}, Stack{})

	require.Equal(t, []uint64{0x1200}, ips)
	require.Equal(t, StopBadSample, res.StoppedReason)
}

func TestStack_ReadOutOfRangeFails(t *testing.T) {
	s := Stack{Base: 0x1000, Bytes: make([]byte, 8)}
	_, ok := s.Read(0x2000)
	require.False(t, ok)

	v, ok := s.Read(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0), v)
}
