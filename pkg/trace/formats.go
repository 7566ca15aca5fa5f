package trace

import "github.com/maxgio92/tracecore/pkg/event"

// The formats below describe the same wire layouts pkg/perf already
// decodes into typed structs (Sample, Mmap2Event, CommEvent,
// ForkEvent/ExitEvent). Registering them lets the event.Registry
// expose a schema for each record kind for introspection, even though
// dispatch here reads the already-typed perf.* value directly rather
// than re-walking these fields through event.Data.

func sampleFormat() *event.Format {
	f := event.NewFormat("sample")
	f.AddField(event.Field{Name: "ip", ByteOffset: 0, ByteSize: 8})
	f.AddField(event.Field{Name: "pid", ByteOffset: 8, ByteSize: 4})
	f.AddField(event.Field{Name: "tid", ByteOffset: 12, ByteSize: 4})
	f.AddField(event.Field{Name: "time", ByteOffset: 16, ByteSize: 8})
	return f
}

func mmap2Format() *event.Format {
	f := event.NewFormat("mmap2")
	f.AddField(event.Field{Name: "pid", ByteOffset: 0, ByteSize: 4})
	f.AddField(event.Field{Name: "tid", ByteOffset: 4, ByteSize: 4})
	f.AddField(event.Field{Name: "addr", ByteOffset: 8, ByteSize: 8})
	f.AddField(event.Field{Name: "len", ByteOffset: 16, ByteSize: 8})
	f.AddField(event.Field{Name: "pgoff", ByteOffset: 24, ByteSize: 8})
	f.AddField(event.Field{Name: "maj", ByteOffset: 32, ByteSize: 4})
	f.AddField(event.Field{Name: "min", ByteOffset: 36, ByteSize: 4})
	f.AddField(event.Field{Name: "ino", ByteOffset: 40, ByteSize: 8})
	f.AddField(event.Field{Name: "ino_generation", ByteOffset: 48, ByteSize: 8})
	f.AddField(event.Field{Name: "prot", ByteOffset: 56, ByteSize: 4})
	f.AddField(event.Field{Name: "flags", ByteOffset: 60, ByteSize: 4})
	f.AddField(event.Field{
		Name: "filename", ByteOffset: 64, ByteSize: 0,
		Location: event.VariableLength,
	})
	return f
}

func commFormat() *event.Format {
	f := event.NewFormat("comm")
	f.AddField(event.Field{Name: "pid", ByteOffset: 0, ByteSize: 4})
	f.AddField(event.Field{Name: "tid", ByteOffset: 4, ByteSize: 4})
	f.AddField(event.Field{
		Name: "comm", ByteOffset: 8, ByteSize: 0,
		Location: event.VariableLength,
	})
	return f
}

func forkExitFormat(name string) *event.Format {
	f := event.NewFormat(name)
	f.AddField(event.Field{Name: "pid", ByteOffset: 0, ByteSize: 4})
	f.AddField(event.Field{Name: "ppid", ByteOffset: 4, ByteSize: 4})
	f.AddField(event.Field{Name: "tid", ByteOffset: 8, ByteSize: 4})
	f.AddField(event.Field{Name: "ptid", ByteOffset: 12, ByteSize: 4})
	f.AddField(event.Field{Name: "time", ByteOffset: 16, ByteSize: 8})
	return f
}
