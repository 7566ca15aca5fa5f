package unwind

import "github.com/maxgio92/tracecore/pkg/modulemap"

// prologScanBudget bounds how many stack words the heuristic scanner
// inspects before giving up on a frame, so a corrupt or unrelated
// stack region cannot turn one missing CFI table into an unbounded
// scan.
const prologScanBudget = 64

// prologScan is a fallback unwind step for modules with no usable
// CFI table (stripped binaries, JIT-generated code, vDSO). It walks
// the stack word by word from sp looking for a value that both looks
// like a return address (lands inside some module mapped into the
// process) and sits at an 8-byte-aligned offset from sp, and reports
// the stack slot immediately after it as the caller's sp.
func prologScan(proc *modulemap.Process, stack Stack, sp uint64) (retAddr uint64, callerSP uint64, ok bool) {
	for i := 0; i < prologScanBudget; i++ {
		addr := sp + uint64(i)*8
		word, readOK := stack.Read(addr)
		if !readOK {
			return 0, 0, false
		}
		if _, inModule := proc.Find(word); inModule {
			return word, addr + 8, true
		}
	}
	return 0, 0, false
}
