package unwind

import (
	"github.com/pkg/errors"

	"github.com/maxgio92/tracecore/pkg/dwarf"
	"github.com/maxgio92/tracecore/pkg/elfutil"
	"github.com/maxgio92/tracecore/pkg/modulemap"
)

// MaxFrames bounds how deep a single unwind walks before giving up,
// so a corrupt CFI table chained across modules cannot unwind forever.
const MaxFrames = 128

var errNoBackingFile = errors.New("unwind: module has no backing file to parse CFI from")

// StopReason reports why Walk stopped producing frames.
type StopReason int

const (
	// StopOk means the walk reached the bottom of the stack cleanly:
	// the return address was zero, or the stack pointer stopped
	// advancing.
	StopOk StopReason = iota
	// StopNoModule means the current IP falls outside every module
	// known for the process.
	StopNoModule
	// StopDwarfError means the CFI table could not be parsed, had no
	// row for the IP, or produced a malformed step, and a fallback
	// prolog scan (attempted per the Dwarf/Prolog tie-break) also
	// failed to recover.
	StopDwarfError
	// StopStackExhausted means a step needed to read stack memory
	// outside the captured window.
	StopStackExhausted
	// StopDepthLimit means the walk reached MaxFrames.
	StopDepthLimit
	// StopBadSample means the sample did not carry the registers a
	// step needs even to attempt one (e.g. no captured RSP).
	StopBadSample
)

func (r StopReason) String() string {
	switch r {
	case StopOk:
		return "ok"
	case StopNoModule:
		return "no_module"
	case StopDwarfError:
		return "dwarf_error"
	case StopStackExhausted:
		return "stack_exhausted"
	case StopDepthLimit:
		return "depth_limit"
	case StopBadSample:
		return "bad_sample"
	default:
		return "unknown"
	}
}

// UnwindResult reports how many frames a Walk call produced and why
// it stopped producing more; partial frames are always kept, a stop
// reason other than StopOk never discards what was already unwound.
type UnwindResult struct {
	FramesWritten uint32
	StoppedReason StopReason
}

// Unwinder resolves a thread's call stack from its registers and a
// captured window of stack memory, preferring each module's DWARF CFI
// table and degrading to a heuristic prolog scan where that table is
// unavailable.
type Unwinder struct {
	accessor modulemap.Accessor
	tables   map[modulemap.Key]*dwarf.Table
	tableErr map[modulemap.Key]error
}

// NewUnwinder creates an Unwinder that opens module files through
// accessor, caching parsed CFI tables per module key for the lifetime
// of the Unwinder.
func NewUnwinder(accessor modulemap.Accessor) *Unwinder {
	return &Unwinder{
		accessor: accessor,
		tables:   make(map[modulemap.Key]*dwarf.Table),
		tableErr: make(map[modulemap.Key]error),
	}
}

// Walk returns the call stack starting at pc, given the thread's
// general-purpose registers at sample time (must include at least
// RSP and RBP) and a captured window of its stack memory. The
// returned slice always has at least one entry, pc itself; result
// explains why no further frames were produced.
func (u *Unwinder) Walk(proc *modulemap.Process, pc uint64, regs dwarf.Registers, stack Stack) ([]uint64, UnwindResult) {
	ips := make([]uint64, 0, 16)
	ips = append(ips, pc)

	cur := pc
	curRegs := regs

	for depth := 1; depth < MaxFrames; depth++ {
		mod, ok := proc.Find(cur)
		if !ok {
			return ips, result(ips, StopNoModule)
		}

		nextPC, nextRegs, proceed, reason := u.step(mod, proc, cur, curRegs, stack)
		if !proceed {
			return ips, result(ips, reason)
		}
		if nextPC == 0 {
			return ips, result(ips, StopOk)
		}

		ips = append(ips, nextPC)
		cur = nextPC
		curRegs = nextRegs
	}

	return ips, result(ips, StopDepthLimit)
}

func result(ips []uint64, reason StopReason) UnwindResult {
	return UnwindResult{FramesWritten: uint32(len(ips)), StoppedReason: reason}
}

// step computes the next frame for cur, preferring mod's DWARF CFI
// table and falling back to a prolog scan either when mod has no
// usable table or (per the Dwarf/Prolog tie-break) when DWARF itself
// could not resolve this IP.
func (u *Unwinder) step(mod modulemap.Module, proc *modulemap.Process, cur uint64, regs dwarf.Registers, stack Stack) (nextPC uint64, nextRegs dwarf.Registers, proceed bool, reason StopReason) {
	if mod.UnwindKind == modulemap.Dwarf {
		nextPC, nextRegs, ok, dwReason := u.stepDwarf(mod, cur, regs, stack)
		if ok {
			return nextPC, nextRegs, true, StopOk
		}
		if dwReason == StopOk || dwReason == StopStackExhausted {
			// Non-increasing rsp is a clean bottom-of-stack; a stack
			// read outside the captured window fails the frame
			// outright. Neither is recoverable by a prolog scan.
			return 0, nil, false, dwReason
		}
	}

	sp, ok := regs[dwarf.RegRSP]
	if !ok {
		return 0, nil, false, StopBadSample
	}

	retAddr, callerSP, ok := prologScan(proc, stack, sp)
	if !ok {
		if mod.UnwindKind == modulemap.Dwarf {
			return 0, nil, false, StopDwarfError
		}
		return 0, nil, false, StopStackExhausted
	}

	return retAddr, dwarf.Registers{dwarf.RegRSP: callerSP}, true, StopOk
}

// stepDwarf attempts one DWARF CFI step for mod at pc. reason is only
// meaningful when ok is false.
func (u *Unwinder) stepDwarf(mod modulemap.Module, pc uint64, regs dwarf.Registers, stack Stack) (nextPC uint64, nextRegs dwarf.Registers, ok bool, reason StopReason) {
	table, err := u.tableFor(mod)
	if err != nil {
		return 0, nil, false, StopDwarfError
	}

	row, err := table.FindRow(mod.RVA(pc))
	if err != nil {
		return 0, nil, false, StopDwarfError
	}

	next, err := dwarf.Step(row, regs, stack.Read)
	if err != nil {
		if errors.Is(err, dwarf.ErrNoProgress) {
			return 0, nil, false, StopOk
		}
		if errors.Is(err, dwarf.ErrStackExhausted) {
			return 0, nil, false, StopStackExhausted
		}
		return 0, nil, false, StopDwarfError
	}

	return next[dwarf.RegRA], next, true, StopOk
}

func (u *Unwinder) tableFor(mod modulemap.Module) (*dwarf.Table, error) {
	if t, ok := u.tables[mod.Key]; ok {
		return t, u.tableErr[mod.Key]
	}

	table, err := u.parseTable(mod)
	u.tables[mod.Key] = table
	u.tableErr[mod.Key] = err
	return table, err
}

func (u *Unwinder) parseTable(mod modulemap.Module) (*dwarf.Table, error) {
	if mod.Key.IsAnonymous() {
		return nil, errNoBackingFile
	}

	rf, err := u.accessor.Open(mod.Key)
	if err != nil {
		return nil, errors.Wrap(err, "unwind: opening module file")
	}
	defer rf.Close()

	ef, err := elfutil.OpenReaderAt(rf)
	if err != nil {
		return nil, errors.Wrap(err, "unwind: parsing module ELF")
	}
	defer ef.Close()

	data, err := ef.Section(".eh_frame")
	if err != nil {
		return nil, errors.Wrap(err, "unwind: reading .eh_frame")
	}

	table, err := dwarf.ParseTable(data, ef.SectionAddr(".eh_frame"))
	if err != nil {
		return nil, errors.Wrap(err, "unwind: building cfi table")
	}

	return table, nil
}
