package aggregate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxgio92/tracecore/pkg/modulemap"
)

func TestAggregator_SamplesShareCallstackID(t *testing.T) {
	a := NewAggregator("host-1")
	a.RecordProcess(100, "myapp")
	a.AddSample(100, 100, 1, 0, EventKindCPUSample, []uint64{0x1000, 0x2000})
	a.AddSample(100, 100, 2, 0, EventKindCPUSample, []uint64{0x1000, 0x2000})
	a.AddSample(100, 100, 3, 0, EventKindCPUSample, []uint64{0x1000, 0x3000})

	records := a.Export()

	var samples []SampleRecord
	var stacks []CallstackRecord
	for _, r := range records {
		switch v := r.(type) {
		case SampleRecord:
			samples = append(samples, v)
		case CallstackRecord:
			stacks = append(stacks, v)
		}
	}

	require.Len(t, stacks, 2)
	require.Len(t, samples, 3)
	require.Equal(t, samples[0].CallstackID, samples[1].CallstackID)
	require.NotEqual(t, samples[0].CallstackID, samples[2].CallstackID)

	// Samples are kept in append order, not sorted or collapsed.
	require.Equal(t, []uint64{1, 2, 3}, []uint64{samples[0].TS, samples[1].TS, samples[2].TS})
}

func TestAggregator_DistinctLeafSameTailDoNotCollide(t *testing.T) {
	a := NewAggregator("host-1")
	a.AddSample(1, 1, 1, 0, EventKindCPUSample, []uint64{0xaaa, 0x2000})
	a.AddSample(1, 1, 2, 0, EventKindCPUSample, []uint64{0xbbb, 0x2000})

	var stacks []CallstackRecord
	for _, r := range a.Export() {
		if v, ok := r.(CallstackRecord); ok {
			stacks = append(stacks, v)
		}
	}
	require.Len(t, stacks, 2)
}

func TestAggregator_ModulesExportSortedAndDedupedPerProcess(t *testing.T) {
	a := NewAggregator("host-1")
	a.RecordModule(1, modulemap.Module{Key: modulemap.Key{Device: 2, Inode: 1}, Start: 0x1000, End: 0x2000, Path: "/usr/lib/b.so"})
	a.RecordModule(1, modulemap.Module{Key: modulemap.Key{Device: 1, Inode: 1}, Start: 0x1000, End: 0x2000, Path: "/usr/lib/a.so"})
	// Same (pid, key, start) seen again: ignored, already known.
	a.RecordModule(1, modulemap.Module{Key: modulemap.Key{Device: 1, Inode: 1}, Start: 0x1000, End: 0x2000, Path: "/usr/lib/a-again.so"})
	// Same file mapped into a different process: a distinct record.
	a.RecordModule(2, modulemap.Module{Key: modulemap.Key{Device: 1, Inode: 1}, Start: 0x1000, End: 0x2000, Path: "/usr/lib/a.so"})

	var mods []ModuleRecord
	for _, r := range a.Export() {
		if v, ok := r.(ModuleRecord); ok {
			mods = append(mods, v)
		}
	}
	require.Len(t, mods, 3)
	require.Equal(t, "/usr/lib/a.so", mods[0].Path)
	require.Equal(t, uint32(1), mods[0].PID)
	require.Equal(t, "/usr/lib/b.so", mods[1].Path)
	require.Equal(t, uint32(2), mods[2].PID)
}

func TestAggregator_ThreadLifecycle(t *testing.T) {
	a := NewAggregator("host-1")
	a.RecordThreadStart(1, 100, 10)
	a.RecordThreadName(1, 100, "worker")
	a.RecordThreadEnd(1, 100, 50)

	var threads []ThreadRecord
	for _, r := range a.Export() {
		if v, ok := r.(ThreadRecord); ok {
			threads = append(threads, v)
		}
	}
	require.Len(t, threads, 1)
	require.Equal(t, "worker", threads[0].Name)
	require.Equal(t, uint64(10), threads[0].StartTS)
	require.NotNil(t, threads[0].EndTS)
	require.Equal(t, uint64(50), *threads[0].EndTS)
}

func TestAggregator_MachineRecordAlwaysFirst(t *testing.T) {
	a := NewAggregator("host-1")
	records := a.Export()
	require.Equal(t, RecordKindMachine, records[0].Kind())
}
