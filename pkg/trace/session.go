// Package trace orchestrates the core decoding, unwinding and
// aggregation packages into one recording session: open perf rings,
// keep the module/process map current as MMAP2/COMM/FORK/EXIT records
// arrive, unwind and aggregate every sample, and flush a snapshot on
// stop.
package trace

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/maxgio92/tracecore/pkg/aggregate"
	"github.com/maxgio92/tracecore/pkg/dwarf"
	"github.com/maxgio92/tracecore/pkg/event"
	"github.com/maxgio92/tracecore/pkg/exportfmt/pprof"
	"github.com/maxgio92/tracecore/pkg/modulemap"
	"github.com/maxgio92/tracecore/pkg/perf"
	"github.com/maxgio92/tracecore/pkg/unwind"
)

// ReportFileName is the default pprof export filename a Session's
// caller writes the aggregator snapshot to on stop.
const ReportFileName = "trace.pprof.gz"

// HealthCheckSockPath is the default readiness socket a Session's
// caller listens on, and pkg/cmd/wait blocks against.
const HealthCheckSockPath = "/tmp/tracecore.sock"

// Option configures a Session before Init opens any file descriptor.
type Option func(*Session)

// WithLogger attaches a logger; a disabled logger is used otherwise.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithTargetPID restricts sampling to one process (and its threads)
// instead of every process on the system.
func WithTargetPID(pid int) Option {
	return func(s *Session) { s.pid = pid }
}

// WithFrequency samples at hz samples per second per CPU.
func WithFrequency(hz uint64) Option {
	return func(s *Session) { s.freqHz = hz }
}

// WithStackSize sets how many bytes of user stack the kernel copies
// per sample, the window the unwinder has to work with.
func WithStackSize(n uint32) Option {
	return func(s *Session) { s.stackSize = n }
}

// WithRingPages sets how many data pages each CPU's ring is mapped
// with, forwarded to the underlying perf.Session.
func WithRingPages(pages int) Option {
	return func(s *Session) { s.ringPages = pages }
}

// WithHostname overrides the hostname recorded on the exported
// MachineRecord; the OS hostname is used otherwise.
func WithHostname(h string) Option {
	return func(s *Session) { s.hostname = h }
}

// Session is a single recording session: one perf ring per CPU, one
// module/process map, one unwinder and one aggregator, wired together
// through an event.Registry for dispatch policy and error accounting.
//
// perf.Session.Run drives one consumer goroutine per CPU, each
// decoding and dispatching its own ring concurrently; mu serializes
// every record a Session handles so the module/process map, the
// aggregator and the scratch fields below never see concurrent
// writers. Init, Load and Run are still meant to be called once, in
// order, from one goroutine; only the handlers Run installs run
// concurrently with each other.
type Session struct {
	log       zerolog.Logger
	pid       int
	freqHz    uint64
	stackSize uint32
	ringPages int
	hostname  string

	mu sync.Mutex

	perf     *perf.Session
	machine  *modulemap.Machine
	accessor *modulemap.PathAccessor
	unwinder *unwind.Unwinder
	agg      *aggregate.Aggregator
	registry *event.Registry

	// Scratch fields holding the record currently being dispatched,
	// guarded by mu.
	// Handlers registered on the event.Registry read these instead of
	// re-decoding through event.Data, since pkg/perf has already
	// bounds-checked and typed the payload; the registry still owns
	// dispatch order and per-record error accumulation per spec's
	// dispatch policy.
	curSample perf.Sample
	curMmap   perf.Mmap2Event
	curComm   perf.CommEvent
	curFork   perf.ForkEvent
	curExit   perf.ExitEvent
}

// NewSession creates a Session with defaults (999 Hz, every process,
// 8 KiB user stack, 4 ring pages) overridden by opts.
func NewSession(opts ...Option) *Session {
	hostname, _ := os.Hostname()

	s := &Session{
		log:       zerolog.Nop(),
		pid:       -1,
		freqHz:    999,
		stackSize: 8192,
		ringPages: 4,
		hostname:  hostname,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.accessor = modulemap.NewPathAccessor(openModuleFile)
	s.machine = modulemap.NewMachine()
	s.unwinder = unwind.NewUnwinder(s.accessor)
	s.agg = aggregate.NewAggregator(s.hostname)
	s.registry = s.buildRegistry()

	return s
}

func openModuleFile(path string) (modulemap.File, error) {
	return os.Open(path)
}

// Init opens one perf_event fd per online CPU.
func (s *Session) Init() error {
	s.perf = perf.NewSession(
		perf.WithLogger(s.log),
		perf.WithTargetPID(s.pid),
		perf.WithRingPages(s.ringPages),
		perf.WithAttrOptions(
			perf.WithFrequency(s.freqHz),
			perf.WithUserStack(s.stackSize),
		),
	)
	return errors.Wrap(s.perf.Init(), "trace: initializing perf session")
}

// Load mmaps every CPU's ring buffer. Must be called after Init, and
// is the point at which a caller's readiness server should signal
// that the session can start accepting Run.
func (s *Session) Load() error {
	return errors.Wrap(s.perf.Load(), "trace: mapping perf rings")
}

// Run drains every CPU's ring until ctx is canceled, unwinding and
// aggregating every sample and keeping the module/process map current
// from MMAP2/COMM/FORK/EXIT records.
func (s *Session) Run(ctx context.Context) error {
	h := perf.Handlers{
		Sample: s.onSample,
		Lost:   s.onLost,
		Mmap:   s.onMmap,
		Comm:   s.onComm,
		Fork:   s.onFork,
		Exit:   s.onExit,
	}
	return errors.Wrap(s.perf.Run(ctx, h), "trace: running perf session")
}

// Close disables and closes every CPU's event and unmaps its ring.
func (s *Session) Close() error {
	return errors.Wrap(s.perf.Close(), "trace: closing perf session")
}

// Stats returns a snapshot of samples processed and records lost to
// ring overflow; both are zero before Init.
func (s *Session) Stats() perf.Stats {
	if s.perf == nil {
		return perf.Stats{}
	}
	return perf.Stats{
		Samples: atomic.LoadUint64(&s.perf.Stats.Samples),
		Lost:    atomic.LoadUint64(&s.perf.Stats.Lost),
	}
}

// RingUtilization returns the average percentage of each CPU's ring
// currently occupied by records the consumer has not yet drained, or 0
// before Init.
func (s *Session) RingUtilization() int {
	if s.perf == nil {
		return 0
	}
	return s.perf.RingUtilization()
}

// Export flattens the aggregator's accumulated state into a
// deterministically ordered record stream, ready for a writer.
func (s *Session) Export() []aggregate.Record {
	return s.agg.Export()
}

// WriteReport renders the session's current aggregated state as a
// gzip-compressed pprof profile at path.
func (s *Session) WriteReport(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "trace: creating report file")
	}
	defer f.Close()

	w := pprof.NewWriter()
	w.AddRecords(s.Export())

	return errors.Wrap(w.Write(f), "trace: writing report")
}

func (s *Session) onSample(sample perf.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.curSample = sample
	s.dispatch(perf.RecordSample)
}

func (s *Session) onLost(lost uint64) {
	s.log.Warn().Uint64("count", lost).Msg("trace: ring overflow, samples dropped")
}

func (s *Session) onMmap(ev perf.Mmap2Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.curMmap = ev
	s.dispatch(perf.RecordMmap2)
}

func (s *Session) onComm(ev perf.CommEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.curComm = ev
	s.dispatch(perf.RecordComm)
}

func (s *Session) onFork(ev perf.ForkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.curFork = ev
	s.dispatch(perf.RecordFork)
}

func (s *Session) onExit(ev perf.ExitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.curExit = ev
	s.dispatch(perf.RecordExit)
}

// dispatch runs under mu; callers must hold it.
func (s *Session) dispatch(recordType uint32) {
	var errs []error
	s.registry.DispatchByID(uint64(recordType), event.Data{}, &errs)
	for _, err := range errs {
		s.log.Debug().Err(err).Msg("trace: handler error")
	}
}

func (s *Session) buildRegistry() *event.Registry {
	r := event.NewRegistry()

	sampleEvt := event.NewEvent(uint64(perf.RecordSample), "sample", sampleFormat())
	sampleEvt.AddHandler(func(event.Data) error { return s.handleSample() })
	r.Register(sampleEvt)

	mmapEvt := event.NewEvent(uint64(perf.RecordMmap2), "mmap2", mmap2Format())
	mmapEvt.SetFlag(event.FlagNoCallstack)
	mmapEvt.AddHandler(func(event.Data) error { return s.handleMmap() })
	r.Register(mmapEvt)

	commEvt := event.NewEvent(uint64(perf.RecordComm), "comm", commFormat())
	commEvt.SetFlag(event.FlagNoCallstack)
	commEvt.AddHandler(func(event.Data) error { return s.handleComm() })
	r.Register(commEvt)

	forkEvt := event.NewEvent(uint64(perf.RecordFork), "fork", forkExitFormat("fork"))
	forkEvt.SetFlag(event.FlagNoCallstack)
	forkEvt.AddHandler(func(event.Data) error { return s.handleFork() })
	r.Register(forkEvt)

	exitEvt := event.NewEvent(uint64(perf.RecordExit), "exit", forkExitFormat("exit"))
	exitEvt.SetFlag(event.FlagNoCallstack)
	exitEvt.AddHandler(func(event.Data) error { return s.handleExit() })
	r.Register(exitEvt)

	return r
}

func (s *Session) handleSample() error {
	sample := s.curSample

	proc, ok := s.machine.FindProcess(sample.PID)
	if !ok {
		proc = s.machine.EnsureProcess(sample.PID)
	}

	stack := unwind.Stack{Base: sample.Regs[dwarf.RegRSP], Bytes: sample.Stack}
	ips, result := s.unwinder.Walk(proc, sample.IP, sample.Regs, stack)
	if result.StoppedReason != unwind.StopOk {
		s.log.Debug().
			Uint32("pid", sample.PID).
			Uint32("tid", sample.TID).
			Stringer("reason", result.StoppedReason).
			Msg("trace: unwind stopped early, keeping partial stack")
	}

	s.agg.RecordThreadStart(sample.PID, sample.TID, sample.Time)
	s.agg.AddSample(sample.PID, sample.TID, sample.Time, sample.CPU, aggregate.EventKindCPUSample, ips)

	return nil
}

func (s *Session) handleMmap() error {
	ev := s.curMmap
	proc := s.machine.EnsureProcess(ev.PID)

	key := modulemap.Key{Device: unix.Mkdev(ev.Major, ev.Minor), Inode: ev.Inode}
	anon := isAnonymousMapping(ev.Filename) || key.IsAnonymous()

	kind := modulemap.Dwarf
	if anon {
		kind = modulemap.Prolog
	}

	mod := modulemap.Module{
		Key:        key,
		Start:      ev.Addr,
		End:        ev.Addr + ev.Len,
		FileOffset: ev.PgOff,
		UnwindKind: kind,
		Anonymous:  anon,
		Path:       ev.Filename,
	}
	proc.AddModule(mod)
	s.agg.RecordModule(ev.PID, mod)

	if !anon {
		s.accessor.Remember(key, ev.Filename)
	}

	return nil
}

// isAnonymousMapping reports whether a PERF_RECORD_MMAP2 filename
// names no real backing file: an empty name, or one of the kernel's
// synthetic pseudo-paths ("[heap]", "[stack]", "//anon", ...).
func isAnonymousMapping(filename string) bool {
	return filename == "" ||
		strings.HasPrefix(filename, "//") ||
		strings.HasPrefix(filename, "[")
}

func (s *Session) handleComm() error {
	ev := s.curComm
	proc := s.machine.EnsureProcess(ev.PID)
	proc.Name = ev.Comm
	s.agg.RecordProcess(ev.PID, ev.Comm)
	s.agg.RecordThreadName(ev.PID, ev.TID, ev.Comm)
	return nil
}

func (s *Session) handleFork() error {
	ev := s.curFork
	child := s.machine.ForkProcess(ev.PID, ev.PPID)
	if child.Name != "" {
		s.agg.RecordProcess(ev.PID, child.Name)
	}
	s.agg.RecordThreadStart(ev.PID, ev.TID, ev.Time)
	return nil
}

func (s *Session) handleExit() error {
	ev := s.curExit
	s.agg.RecordThreadEnd(ev.PID, ev.TID, ev.Time)
	s.machine.DropProcess(ev.PID)
	return nil
}
