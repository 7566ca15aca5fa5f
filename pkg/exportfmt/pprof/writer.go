// Package pprof renders an aggregated trace as a gzip-compressed
// pprof profile, the same wire format pprof.go builds for coverage
// profiles: one Sample per distinct (pid, call stack) pair, with
// repeat counts folded into Sample.Value instead of re-emitted as
// repeated samples.
package pprof

import (
	"bytes"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/maxgio92/tracecore/pkg/aggregate"
)

// Writer accumulates aggregate.Record values into a pprof Profile.
// It is not safe for concurrent use.
type Writer struct {
	prof *profile.Profile

	locsByAddr map[uint64]*profile.Location
	nextLocID  uint64

	stacks map[uint32][]*profile.Location // callstack export id -> locations

	samplesByKey map[uint64]*profile.Sample
}

// NewWriter creates a Writer for a "samples" x "count" profile, the
// pprof convention for a sampling profiler with no separate duration
// axis.
func NewWriter() *Writer {
	return &Writer{
		prof: &profile.Profile{
			SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
			PeriodType: &profile.ValueType{Type: "samples", Unit: "count"},
			Period:     1,
		},
		locsByAddr:   make(map[uint64]*profile.Location),
		stacks:       make(map[uint32][]*profile.Location),
		samplesByKey: make(map[uint64]*profile.Sample),
	}
}

// AddRecords folds every record from an aggregate.Aggregator's
// Export() into the profile being built. Records unrelated to samples
// (MachineRecord, ProcessRecord, StringRecord) are accepted but do not
// affect the resulting profile; pprof has no header field for them.
func (w *Writer) AddRecords(records []aggregate.Record) {
	for _, r := range records {
		switch v := r.(type) {
		case aggregate.CallstackRecord:
			w.stacks[v.ID] = w.locationsFor(v.Frames)
		case aggregate.SampleRecord:
			w.addSample(v)
		}
	}
}

func (w *Writer) locationsFor(frames []uint64) []*profile.Location {
	locs := make([]*profile.Location, len(frames))
	for i, addr := range frames {
		loc, ok := w.locsByAddr[addr]
		if !ok {
			w.nextLocID++
			loc = &profile.Location{ID: w.nextLocID, Address: addr}
			w.locsByAddr[addr] = loc
			w.prof.Location = append(w.prof.Location, loc)
		}
		locs[i] = loc
	}
	return locs
}

// addSample folds one raw SampleRecord into the profile, since
// AddRecords receives samples from the aggregator's append-only
// stream rather than pre-counted buckets: every call here is worth
// exactly one occurrence, accumulated onto the existing pprof Sample
// for the same (pid, stack) if one has already been seen.
func (w *Writer) addSample(rec aggregate.SampleRecord) {
	locs := w.stacks[rec.CallstackID]

	key := sampleDedupKey(rec.PID, locs)
	if existing, ok := w.samplesByKey[key]; ok {
		existing.Value[0]++
		return
	}

	s := &profile.Sample{
		Location: locs,
		Value:    []int64{1},
		Label:    map[string][]string{"pid": {itoa(rec.PID)}},
	}
	w.samplesByKey[key] = s
	w.prof.Sample = append(w.prof.Sample, s)
}

// sampleDedupKey mirrors the hash-the-whole-stack dedup pprof.go uses
// in CreateSampleOrAddValue, scoped additionally by pid since this
// profile mixes samples from every traced process.
func sampleDedupKey(pid uint32, locs []*profile.Location) uint64 {
	d := xxhash.New()
	var buf [8]byte
	putUint64(buf[:], uint64(pid))
	d.Write(buf[:])
	for _, l := range locs {
		putUint64(buf[:], l.ID)
		d.Write(buf[:])
	}
	return d.Sum64()
}

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var b [10]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}

// Write gzip-compresses the accumulated profile's pprof-protobuf
// encoding to dst, using klauspost/compress's faster gzip instead of
// profile.Write's built-in compressor.
func (w *Writer) Write(dst io.Writer) error {
	var raw bytes.Buffer
	if err := w.prof.WriteUncompressed(&raw); err != nil {
		return errors.Wrap(err, "pprof: marshaling profile")
	}

	gz := gzip.NewWriter(dst)
	if _, err := gz.Write(raw.Bytes()); err != nil {
		return errors.Wrap(err, "pprof: writing gzip stream")
	}
	return errors.Wrap(gz.Close(), "pprof: flushing gzip stream")
}
