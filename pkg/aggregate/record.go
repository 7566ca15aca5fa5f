// Package aggregate turns a stream of live trace events into a
// deduplicated, exportable snapshot: distinct machines, processes,
// threads, modules, call stacks and strings each appear once,
// referenced by id from the samples that actually occurred.
package aggregate

// RecordKind tags which concrete record a Record value holds.
type RecordKind int

const (
	RecordKindMachine RecordKind = iota
	RecordKindProcess
	RecordKindThread
	RecordKindModule
	RecordKindString
	RecordKindCallstack
	RecordKindSample
)

// Record is implemented by every exportable record type. Kind lets a
// writer (e.g. pkg/exportfmt/pprof) switch on concrete type without a
// type assertion chain for every record it does not care about.
type Record interface {
	Kind() RecordKind
}

// MachineRecord identifies the host a trace was captured on.
type MachineRecord struct {
	Hostname string
}

func (MachineRecord) Kind() RecordKind { return RecordKindMachine }

// ProcessRecord names one process seen during the trace.
type ProcessRecord struct {
	PID  uint32
	Name string
}

func (ProcessRecord) Kind() RecordKind { return RecordKindProcess }

// ThreadRecord names one thread seen during the trace. EndTS is nil
// until an EXIT record for tid has been observed.
type ThreadRecord struct {
	PID, TID uint32
	Name     string
	StartTS  uint64
	EndTS    *uint64
}

func (ThreadRecord) Kind() RecordKind { return RecordKindThread }

// ModuleRecord names one binary (or anonymous region) mapped into one
// process's address space during the trace. A module is scoped to the
// process that mapped it, since the same file can be mapped at
// different addresses in different processes and an anonymous region
// is never shared across processes at all.
type ModuleRecord struct {
	PID           uint32
	Device, Inode uint64
	VaddrStart    uint64
	VaddrEnd      uint64
	FileOffset    uint64
	Path          string
	Anonymous     bool
}

func (ModuleRecord) Kind() RecordKind { return RecordKindModule }

// StringRecord carries one interned string by id, for records that
// reference strings (symbol names, paths) by id instead of by value.
type StringRecord struct {
	ID    uint32
	Value string
}

func (StringRecord) Kind() RecordKind { return RecordKindString }

// CallstackRecord carries one interned call stack's resolved
// addresses, innermost frame first.
type CallstackRecord struct {
	ID     uint32
	Frames []uint64
}

func (CallstackRecord) Kind() RecordKind { return RecordKindCallstack }

// EventKind distinguishes the originating sample source, for samples
// drawn from more than one event (e.g. CPU-clock vs. a hardware PMU
// event) sharing one aggregator.
type EventKind uint32

const (
	// EventKindCPUSample is a software CPU-clock sample, the only
	// source this engine's sessions currently configure.
	EventKindCPUSample EventKind = iota
)

// SampleRecord is one observed stack trace, kept as a raw event
// rather than folded into a count: the aggregator does not re-sort or
// deduplicate samples globally, so a writer that needs them in global
// order across CPUs sorts by TS itself.
type SampleRecord struct {
	PID, TID    uint32
	TS          uint64
	CPU         uint32
	EventKind   EventKind
	CallstackID uint32
}

func (SampleRecord) Kind() RecordKind { return RecordKindSample }
