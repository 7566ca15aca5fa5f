package modulemap

// Machine owns every known process's module table, keyed by pid.
// Processes are inserted on first sighting and removed on process-exit
// events.
type Machine struct {
	processes map[uint32]*Process
}

// NewMachine creates an empty machine.
func NewMachine() *Machine {
	return &Machine{processes: make(map[uint32]*Process)}
}

// EnsureProcess returns the Process for pid, creating it if it is not
// already known. An existing process is returned unchanged, name and
// modules included; use NewProcess to reset a reused PID.
func (m *Machine) EnsureProcess(pid uint32) *Process {
	if p, ok := m.processes[pid]; ok {
		return p
	}
	p := NewProcess(pid)
	m.processes[pid] = p
	return p
}

// NewProcess unconditionally creates (or resets) the process record
// for pid, clearing its name even if the pid was already known. This
// mirrors COMM/EXEC handling where the kernel tells us a pid now
// belongs to a different image.
func (m *Machine) NewProcess(pid uint32) *Process {
	p := NewProcess(pid)
	m.processes[pid] = p
	return p
}

// ForkProcess creates pid as a clone of ppid's current module table.
// If ppid is unknown, pid is created fresh instead.
func (m *Machine) ForkProcess(pid, ppid uint32) *Process {
	parent, ok := m.processes[ppid]
	if !ok {
		return m.EnsureProcess(pid)
	}
	child := parent.Fork(pid)
	m.processes[pid] = child
	return child
}

// FindProcess returns the process for pid, if known.
func (m *Machine) FindProcess(pid uint32) (*Process, bool) {
	p, ok := m.processes[pid]
	return p, ok
}

// DropProcess removes pid's module table, returning whether it was
// present.
func (m *Machine) DropProcess(pid uint32) bool {
	if _, ok := m.processes[pid]; !ok {
		return false
	}
	delete(m.processes, pid)
	return true
}

// Find resolves ip within pid's module table. It reports ok=false both
// when pid is unknown and when ip falls in a gap of a known process's
// table; callers that need to distinguish "unknown process" from
// "known process, no module" should call FindProcess first.
func (m *Machine) Find(pid uint32, ip uint64) (Module, bool) {
	p, ok := m.processes[pid]
	if !ok {
		return Module{}, false
	}
	return p.Find(ip)
}
