package perf

import "golang.org/x/sys/unix"

// AttrOption configures a perf_event_attr before a Session opens it.
type AttrOption func(*unix.PerfEventAttr)

// WithFrequency samples at hz samples per second instead of a fixed
// event count, setting the PERF_ATTR_FLAG_FREQ behavior the kernel
// expects when attr.Freq is true.
func WithFrequency(hz uint64) AttrOption {
	return func(a *unix.PerfEventAttr) {
		a.Sample = hz
		a.Bits |= unix.PerfBitFreq
	}
}

// WithCallchain asks the kernel to record its own kernel/user
// callchain alongside this engine's own DWARF-based unwind, useful as
// a cross-check and for kernel-side frames this engine cannot unwind
// itself.
func WithCallchain() AttrOption {
	return func(a *unix.PerfEventAttr) {
		a.Sample_type |= unix.PERF_SAMPLE_CALLCHAIN
	}
}

// WithUserStack captures up to size bytes of user stack memory per
// sample, the raw bytes the DWARF/prolog unwinder walks after the
// fact.
func WithUserStack(size uint32) AttrOption {
	return func(a *unix.PerfEventAttr) {
		a.Sample_type |= unix.PERF_SAMPLE_STACK_USER | unix.PERF_SAMPLE_REGS_USER
		a.Sample_stack_user = size
		// rsp, rbp, rip: the only registers the unwinder needs as a
		// starting point for a frame walk.
		a.Sample_regs_user = regMaskRSP | regMaskRBP | regMaskRIP
	}
}

// x86-64 perf_regs indices (arch/x86/include/uapi/asm/perf_regs.h),
// used as bit positions in attr.Sample_regs_user.
const (
	perfRegSP = 7
	perfRegBP = 6
	perfRegIP = 8

	regMaskRSP = 1 << perfRegSP
	regMaskRBP = 1 << perfRegBP
	regMaskRIP = 1 << perfRegIP
)

// CPUClockAttr builds a software CPU-clock sampling event, the
// portable default that needs no hardware PMU support. Mmap/Comm/Task
// are always requested regardless of opts: without them the kernel
// never emits the MMAP2/COMM/FORK/EXIT records the module/process map
// needs to stay current, no matter what sample-type bits the caller
// adds.
func CPUClockAttr(opts ...AttrOption) *unix.PerfEventAttr {
	a := &unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_CPU_CLOCK,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_CPU,
		Wakeup:      1,
		Clockid:     unix.CLOCK_MONOTONIC_RAW,
	}
	a.Size = unix.PERF_ATTR_SIZE_VER5
	a.Bits |= unix.PerfBitWatermark |
		unix.PerfBitSampleIDAll |
		unix.PerfBitExcludeHv |
		unix.PerfBitExcludeIdle |
		unix.PerfBitMmap |
		unix.PerfBitMmap2 |
		unix.PerfBitComm |
		unix.PerfBitTask |
		unix.PerfBitUseClockID

	for _, opt := range opts {
		opt(a)
	}
	return a
}
