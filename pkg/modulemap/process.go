package modulemap

import "sort"

// Process holds one process's module table, kept sorted by Start for
// binary-search lookup.
type Process struct {
	PID     uint32
	Name    string
	modules []Module
	sorted  bool
}

// NewProcess creates an empty process record.
func NewProcess(pid uint32) *Process {
	return &Process{PID: pid}
}

// Fork returns a new Process for childPID, seeded with a snapshot of
// this process's current module table (as it would be immediately
// after an OS fork, before any exec replaces the address space).
func (p *Process) Fork(childPID uint32) *Process {
	child := &Process{PID: childPID, Name: p.Name, sorted: p.sorted}
	child.modules = append(child.modules, p.modules...)
	return child
}

// AddModule inserts module into the table, evicting any existing
// modules whose ranges it overlaps (the kernel's own MMAP/MMAP2
// records imply those ranges are no longer backed by the old mapping).
func (p *Process) AddModule(m Module) {
	kept := p.modules[:0]
	for _, existing := range p.modules {
		if !existing.Overlaps(m) {
			kept = append(kept, existing)
		}
	}
	p.modules = append(kept, m)
	p.sorted = false
}

// RemoveRange evicts every module overlapping [start,end), e.g. for an
// explicit munmap notification with no replacement mapping.
func (p *Process) RemoveRange(start, end uint64) {
	probe := Module{Start: start, End: end}
	kept := p.modules[:0]
	for _, existing := range p.modules {
		if !existing.Overlaps(probe) {
			kept = append(kept, existing)
		}
	}
	p.modules = kept
}

// sortModules sorts the module table by Start, if it isn't already.
func (p *Process) sortModules() {
	if p.sorted {
		return
	}
	sort.Slice(p.modules, func(i, j int) bool { return p.modules[i].Start < p.modules[j].Start })
	p.sorted = true
}

// Find returns the module containing ip, or false if no module's
// range covers ip (either the table is empty or ip falls in a gap).
func (p *Process) Find(ip uint64) (Module, bool) {
	p.sortModules()

	if len(p.modules) == 0 {
		return Module{}, false
	}

	// partition_point-style binary search for the first module whose
	// Start is greater than ip; the candidate is the one before it.
	idx := sort.Search(len(p.modules), func(i int) bool { return p.modules[i].Start > ip })
	if idx == 0 {
		return Module{}, false
	}

	candidate := p.modules[idx-1]
	if !candidate.Contains(ip) {
		return Module{}, false
	}

	return candidate, true
}

// Modules returns the process's current module table. The slice is
// sorted by Start as a side effect if it wasn't already.
func (p *Process) Modules() []Module {
	p.sortModules()
	return p.modules
}
