package perf

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Option configures a Session before Init opens any file descriptor.
type Option func(*Session)

// WithLogger attaches a logger; a disabled logger is used otherwise.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithRingPages sets how many data pages (a power of two) each CPU's
// ring buffer is mmapped with, in addition to the fixed header page.
func WithRingPages(pages int) Option {
	return func(s *Session) { s.ringPages = pages }
}

// WithTargetPID restricts sampling to one process (and its threads)
// instead of every process on the system.
func WithTargetPID(pid int) Option {
	return func(s *Session) { s.pid = pid }
}

// WithAttrOptions forwards additional perf_event_attr options to the
// attribute this Session opens on every CPU.
func WithAttrOptions(opts ...AttrOption) Option {
	return func(s *Session) { s.attrOpts = append(s.attrOpts, opts...) }
}

// perCPU holds one CPU's open perf_event fd and mapped ring.
type perCPU struct {
	cpu int
	fd  int
	ring *Ring
}

// Session owns one perf_event_open ring buffer per CPU and drives the
// consumer loop that drains them into a caller-supplied handler.
// Lifecycle mirrors the Init/Load/Run convention used elsewhere in
// this tree: Init opens the events, Load mmaps their rings, Run
// drives the consumer loop until ctx is done.
type Session struct {
	log       zerolog.Logger
	pid       int
	ringPages int
	attrOpts  []AttrOption
	sampleType uint64
	regsMask  uint64

	cpus []perCPU

	// Stats tracks samples processed and records lost to ring
	// overflow (PERF_RECORD_LOST), surfaced to callers for status
	// reporting.
	Stats Stats
}

// Stats holds running counters shared by every CPU's consumer, which
// update them with atomic adds; callers that read them concurrently
// with Run load each field with sync/atomic.
type Stats struct {
	Samples uint64
	Lost    uint64
}

// NewSession creates a Session with defaults (4 ring pages, every
// process, a disabled logger) overridden by opts.
func NewSession(opts ...Option) *Session {
	s := &Session{
		pid:       -1,
		ringPages: 4,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init opens one perf_event fd per online CPU.
func (s *Session) Init() error {
	n, err := onlineCPUCount()
	if err != nil {
		return errors.Wrap(err, "perf: counting online cpus")
	}

	attr := CPUClockAttr(s.attrOpts...)
	s.sampleType = attr.Sample_type
	s.regsMask = attr.Sample_regs_user

	for cpu := 0; cpu < n; cpu++ {
		fd, err := unix.PerfEventOpen(attr, s.pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			s.closeAll()
			return errors.Wrapf(err, "perf: perf_event_open cpu %d", cpu)
		}
		s.cpus = append(s.cpus, perCPU{cpu: cpu, fd: fd})
	}

	s.log.Debug().Int("cpus", len(s.cpus)).Msg("perf session initialized")
	return nil
}

// Load mmaps every CPU's ring buffer. Must be called after Init.
func (s *Session) Load() error {
	for i := range s.cpus {
		ring, err := MapRing(s.cpus[i].fd, s.ringPages)
		if err != nil {
			s.closeAll()
			return errors.Wrapf(err, "perf: mapping ring for cpu %d", s.cpus[i].cpu)
		}
		s.cpus[i].ring = ring
	}
	return nil
}

// Handler processes one decoded sample. Errors are logged, not fatal:
// one malformed record must never stop the session.
type Handler func(Sample)

// LostHandler is invoked for every PERF_RECORD_LOST seen, reporting
// how many samples the kernel dropped because a consumer fell behind.
type LostHandler func(lost uint64)

// MmapHandler is invoked for every PERF_RECORD_MMAP2 seen: a module
// loaded, or an anonymous region mapped, into some process's address
// space.
type MmapHandler func(Mmap2Event)

// CommHandler is invoked for every PERF_RECORD_COMM seen.
type CommHandler func(CommEvent)

// ForkHandler is invoked for every PERF_RECORD_FORK seen.
type ForkHandler func(ForkEvent)

// ExitHandler is invoked for every PERF_RECORD_EXIT seen.
type ExitHandler func(ExitEvent)

// Handlers bundles every callback Run dispatches decoded records to.
// A nil field simply drops that record kind.
type Handlers struct {
	Sample Handler
	Lost   LostHandler
	Mmap   MmapHandler
	Comm   CommHandler
	Fork   ForkHandler
	Exit   ExitHandler
}

// Run enables every CPU's event and drains its ring until ctx is
// canceled, dispatching decoded records to h from one goroutine per
// CPU.
func (s *Session) Run(ctx context.Context, h Handlers) error {
	for _, c := range s.cpus {
		if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return errors.Wrapf(err, "perf: enabling cpu %d", c.cpu)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range s.cpus {
		c := s.cpus[i]
		g.Go(func() error {
			return s.consume(gctx, c, h)
		})
	}
	return g.Wait()
}

func (s *Session) consume(ctx context.Context, c perCPU, h Handlers) error {
	scratch := make([]byte, 64*1024)
	pollFds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := unix.Poll(pollFds, 200); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrapf(err, "perf: polling cpu %d", c.cpu)
		}

		ConsumeRecords(c.ring, scratch, func(rec Record) {
			s.dispatch(rec, h)
		})
	}
}

func (s *Session) dispatch(rec Record, h Handlers) {
	switch rec.Type {
	case RecordSample:
		sample, err := ParseSample(rec.Payload, s.sampleType, s.regsMask)
		if err != nil {
			s.log.Debug().Err(err).Msg("perf: dropping malformed sample")
			return
		}
		atomic.AddUint64(&s.Stats.Samples, 1)
		if h.Sample != nil {
			h.Sample(sample)
		}
	case RecordLost:
		if len(rec.Payload) < 16 {
			return
		}
		lost := binary.LittleEndian.Uint64(rec.Payload[8:16])
		atomic.AddUint64(&s.Stats.Lost, lost)
		if h.Lost != nil {
			h.Lost(lost)
		}
	case RecordMmap2:
		ev, err := ParseMmap2(rec.Payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("perf: dropping malformed mmap2 record")
			return
		}
		if h.Mmap != nil {
			h.Mmap(ev)
		}
	case RecordComm:
		ev, err := ParseComm(rec.Payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("perf: dropping malformed comm record")
			return
		}
		if h.Comm != nil {
			h.Comm(ev)
		}
	case RecordFork:
		ev, err := ParseFork(rec.Payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("perf: dropping malformed fork record")
			return
		}
		if h.Fork != nil {
			h.Fork(ev)
		}
	case RecordExit:
		ev, err := ParseExit(rec.Payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("perf: dropping malformed exit record")
			return
		}
		if h.Exit != nil {
			h.Exit(ev)
		}
	}
}

// RingUtilization returns the average percentage of each CPU's ring
// buffer currently occupied by records the consumer has not yet
// caught up to, for status reporting.
func (s *Session) RingUtilization() int {
	if len(s.cpus) == 0 {
		return 0
	}
	var sum int
	for _, c := range s.cpus {
		if c.ring == nil || c.ring.dataSize == 0 {
			continue
		}
		used := c.ring.Head() - c.ring.Tail()
		sum += int(used * 100 / c.ring.dataSize)
	}
	return sum / len(s.cpus)
}

// Close disables and closes every CPU's event and unmaps its ring.
func (s *Session) Close() error {
	return s.closeAll()
}

func (s *Session) closeAll() error {
	var firstErr error
	for _, c := range s.cpus {
		if c.ring != nil {
			if err := c.ring.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := unix.Close(c.fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.cpus = nil
	return firstErr
}

func onlineCPUCount() (int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, err
	}
	return set.Count(), nil
}
