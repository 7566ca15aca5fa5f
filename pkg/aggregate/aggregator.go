package aggregate

import (
	"sort"

	"github.com/maxgio92/tracecore/pkg/intern"
	"github.com/maxgio92/tracecore/pkg/modulemap"
)

type moduleKey struct {
	pid   uint32
	key   modulemap.Key
	start uint64
}

// threadKey identifies one thread across its lifetime; a pid/tid pair
// is only reused by the kernel after an intervening EXIT, so it is
// stable for the life of one Aggregator.
type threadKey struct {
	pid, tid uint32
}

// Aggregator deduplicates every machine/process/thread/module/string/
// call stack it is told about and accumulates the raw sample stream,
// ready to flatten into a Record stream for export.
type Aggregator struct {
	hostname string

	strings    *intern.Strings
	callstacks *intern.Callstacks

	processes    map[uint32]string
	processOrder []uint32

	threads     map[threadKey]*ThreadRecord
	threadOrder []threadKey

	modules     map[moduleKey]ModuleRecord
	moduleOrder []moduleKey

	// callstack export ids are distinct from intern.Callstacks' own
	// ids, since two stacks with the same interned tail but different
	// leaf ip are different stacks and must not collide on export.
	callstackIDs    map[intern.CallstackID]uint32
	callstackFrames map[uint32][]uint64
	callstackOrder  []uint32
	nextCallstackID uint32

	samples []SampleRecord
}

// NewAggregator creates an empty Aggregator for a trace captured on
// hostname.
func NewAggregator(hostname string) *Aggregator {
	return &Aggregator{
		hostname:        hostname,
		strings:         intern.NewStrings(),
		callstacks:      intern.NewCallstacks(),
		processes:       make(map[uint32]string),
		threads:         make(map[threadKey]*ThreadRecord),
		modules:         make(map[moduleKey]ModuleRecord),
		callstackIDs:    make(map[intern.CallstackID]uint32),
		callstackFrames: make(map[uint32][]uint64),
	}
}

// RecordProcess remembers name for pid, overwriting any name recorded
// earlier for the same pid (a COMM/EXEC event supersedes a stale one).
func (a *Aggregator) RecordProcess(pid uint32, name string) {
	if _, ok := a.processes[pid]; !ok {
		a.processOrder = append(a.processOrder, pid)
	}
	a.processes[pid] = name
}

// RecordThreadStart remembers that tid (under pid) started at ts, the
// first time it is seen; later calls for the same thread are no-ops
// beyond that first sighting.
func (a *Aggregator) RecordThreadStart(pid, tid uint32, ts uint64) {
	key := threadKey{pid: pid, tid: tid}
	if _, ok := a.threads[key]; ok {
		return
	}
	a.threads[key] = &ThreadRecord{PID: pid, TID: tid, StartTS: ts}
	a.threadOrder = append(a.threadOrder, key)
}

// RecordThreadName attaches name to tid, creating the thread record
// with a zero StartTS if it was not already known (a COMM record can
// arrive before any sample from that thread).
func (a *Aggregator) RecordThreadName(pid, tid uint32, name string) {
	key := threadKey{pid: pid, tid: tid}
	t, ok := a.threads[key]
	if !ok {
		t = &ThreadRecord{PID: pid, TID: tid}
		a.threads[key] = t
		a.threadOrder = append(a.threadOrder, key)
	}
	t.Name = name
}

// RecordThreadEnd marks tid as exited at ts. A thread never observed
// via a sample or COMM record is recorded here anyway, since an
// EXIT with no prior sighting is still a fact about that thread.
func (a *Aggregator) RecordThreadEnd(pid, tid uint32, ts uint64) {
	key := threadKey{pid: pid, tid: tid}
	t, ok := a.threads[key]
	if !ok {
		t = &ThreadRecord{PID: pid, TID: tid}
		a.threads[key] = t
		a.threadOrder = append(a.threadOrder, key)
	}
	end := ts
	t.EndTS = &end
}

// RecordModule remembers one module mapped into pid's address space
// at mod.Start, the first time that exact (pid, key, start) triple is
// seen; a later MMAP2 for the same process is recorded as a distinct
// entry when its key or its start differs, and ignored otherwise.
// Evicting overlapped mappings from lookups is modulemap.Process's
// job, not the aggregator's.
func (a *Aggregator) RecordModule(pid uint32, mod modulemap.Module) {
	mk := moduleKey{pid: pid, key: mod.Key, start: mod.Start}
	if _, ok := a.modules[mk]; ok {
		return
	}
	a.modules[mk] = ModuleRecord{
		PID:        pid,
		Device:     mod.Key.Device,
		Inode:      mod.Key.Inode,
		VaddrStart: mod.Start,
		VaddrEnd:   mod.End,
		FileOffset: mod.FileOffset,
		Path:       mod.Path,
		Anonymous:  mod.Anonymous,
	}
	a.moduleOrder = append(a.moduleOrder, mk)
}

// AddSample folds one observed stack trace for (pid, tid) into the
// running call-stack table, assigning it a stable export id on first
// sight, and appends a raw SampleRecord describing this occurrence.
// Samples are kept in the order they are dispatched, per ring; the
// aggregator never re-sorts them globally (see Export).
func (a *Aggregator) AddSample(pid, tid uint32, ts uint64, cpu uint32, kind EventKind, frames []uint64) {
	id := a.callstacks.ToID(frames)
	exportID, ok := a.callstackIDs[id]
	if !ok {
		exportID = a.nextCallstackID
		a.nextCallstackID++
		a.callstackIDs[id] = exportID
		a.callstackFrames[exportID] = append([]uint64(nil), frames...)
		a.callstackOrder = append(a.callstackOrder, exportID)
	}

	a.samples = append(a.samples, SampleRecord{
		PID:         pid,
		TID:         tid,
		TS:          ts,
		CPU:         cpu,
		EventKind:   kind,
		CallstackID: exportID,
	})
}

// Export flattens every record the Aggregator has accumulated into a
// deterministically ordered stream: machine, then processes, then
// threads, then modules (sorted by pid, device, inode and start), then
// interned strings, then call stacks, then samples in the order they
// were added.
func (a *Aggregator) Export() []Record {
	var out []Record

	out = append(out, MachineRecord{Hostname: a.hostname})

	for _, pid := range a.processOrder {
		out = append(out, ProcessRecord{PID: pid, Name: a.processes[pid]})
	}

	for _, key := range a.threadOrder {
		out = append(out, *a.threads[key])
	}

	sortedModules := append([]moduleKey(nil), a.moduleOrder...)
	sort.Slice(sortedModules, func(i, j int) bool {
		a1, a2 := sortedModules[i], sortedModules[j]
		if a1.pid != a2.pid {
			return a1.pid < a2.pid
		}
		if a1.key.Device != a2.key.Device {
			return a1.key.Device < a2.key.Device
		}
		if a1.key.Inode != a2.key.Inode {
			return a1.key.Inode < a2.key.Inode
		}
		return a1.start < a2.start
	})
	for _, key := range sortedModules {
		out = append(out, a.modules[key])
	}

	a.strings.ForEach(func(id uint32, value []byte) {
		out = append(out, StringRecord{ID: id, Value: string(value)})
	})

	for _, id := range a.callstackOrder {
		out = append(out, CallstackRecord{ID: id, Frames: a.callstackFrames[id]})
	}

	for _, s := range a.samples {
		out = append(out, s)
	}

	return out
}

// InternString interns s and returns the StringRecord id a caller can
// reference from a record of its own (e.g. a resolved symbol name
// attached out of band to a callstack frame).
func (a *Aggregator) InternString(s string) uint32 {
	return a.strings.ToID([]byte(s))
}
