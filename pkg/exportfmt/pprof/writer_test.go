package pprof

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxgio92/tracecore/pkg/aggregate"
)

func TestWriter_MergesSamplesWithIdenticalStackAndPID(t *testing.T) {
	w := NewWriter()
	w.AddRecords([]aggregate.Record{
		aggregate.CallstackRecord{ID: 1, Frames: []uint64{0x1000, 0x2000}},
		aggregate.SampleRecord{PID: 42, TID: 42, CallstackID: 1},
		aggregate.SampleRecord{PID: 42, TID: 42, CallstackID: 1},
		aggregate.SampleRecord{PID: 42, TID: 43, CallstackID: 1},
	})

	require.Len(t, w.prof.Sample, 1)
	require.Equal(t, int64(3), w.prof.Sample[0].Value[0])
	require.Len(t, w.prof.Location, 2)
}

func TestWriter_WriteProducesNonEmptyGzip(t *testing.T) {
	w := NewWriter()
	w.AddRecords([]aggregate.Record{
		aggregate.CallstackRecord{ID: 1, Frames: []uint64{0x1000}},
		aggregate.SampleRecord{PID: 1, CallstackID: 1},
	})

	var buf bytes.Buffer
	require.NoError(t, w.Write(&buf))
	require.NotEmpty(t, buf.Bytes())

	// gzip magic number
	require.Equal(t, byte(0x1f), buf.Bytes()[0])
	require.Equal(t, byte(0x8b), buf.Bytes()[1])
}

func TestWriter_DistinctPIDsDoNotMerge(t *testing.T) {
	w := NewWriter()
	w.AddRecords([]aggregate.Record{
		aggregate.CallstackRecord{ID: 1, Frames: []uint64{0x1000}},
		aggregate.SampleRecord{PID: 1, CallstackID: 1},
		aggregate.SampleRecord{PID: 2, CallstackID: 1},
	})
	require.Len(t, w.prof.Sample, 2)
}
