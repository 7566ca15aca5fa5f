package run

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/tracecore/internal/output"
	"github.com/maxgio92/tracecore/internal/settings"
	"github.com/maxgio92/tracecore/pkg/cmd/common"
	"github.com/maxgio92/tracecore/pkg/cmd/options"
	"github.com/maxgio92/tracecore/pkg/healthcheck"
	"github.com/maxgio92/tracecore/pkg/trace"
)

const CmdName = "run"

type Options struct {
	pid       int
	frequency uint64
	stackSize uint32

	detach bool
	report bool
	status bool
	output string

	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:   CmdName,
		Short: "Run the sampling profiler as a long-lived session",
		Long: fmt.Sprintf(`
%s runs a continuous CPU sampling session, tracking every process's
loaded modules as they come and go, until stopped.
`, CmdName),
		DisableAutoGenTag: true,
		RunE:              o.Run,
	}

	cmd.Flags().IntVar(&o.pid, "pid", -1, "Filter sampling to one process")
	cmd.Flags().Uint64Var(&o.frequency, "frequency", 999, "Samples per second per CPU")
	cmd.Flags().Uint32Var(&o.stackSize, "stack-size", 8192, "Bytes of user stack captured per sample")
	cmd.Flags().BoolVarP(&o.detach, "detach", "d", false, fmt.Sprintf("Run %s as daemon", settings.CmdName))
	cmd.Flags().BoolVar(&o.report, "report", true, fmt.Sprintf("Write a pprof report (as %s) on stop", trace.ReportFileName))
	cmd.Flags().BoolVar(&o.status, "status", true, "Periodically print a status of the session")
	cmd.Flags().StringVarP(&o.output, "output", "o", trace.ReportFileName, "Path to write the pprof report to")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
	if o.detach {
		return o.daemonize()
	}

	// Store PID file.
	os.WriteFile(settings.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
	defer os.Remove(settings.PidFile)

	var err error
	o.LogLevel, err = cmd.Flags().GetString("log-level")
	if err != nil {
		return errors.Wrap(err, "failed to get log level")
	}

	logLevel, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		o.Logger.Fatal().Err(err).Msg("invalid log level")
	}
	o.Logger = o.Logger.Level(logLevel)

	session := trace.NewSession(
		trace.WithLogger(o.Logger),
		trace.WithTargetPID(o.pid),
		trace.WithFrequency(o.frequency),
		trace.WithStackSize(o.stackSize),
	)

	if err := session.Init(); err != nil {
		return errors.Wrapf(err, "failed to init session")
	}
	defer session.Close()

	if err := session.Load(); err != nil {
		return errors.Wrapf(err, "failed to load session")
	}

	hc := healthcheck.NewHealthCheckServer(trace.HealthCheckSockPath, o.Logger)
	if err := hc.InitializeListener(o.Ctx); err != nil {
		return errors.Wrap(err, "failed to start health check listener")
	}
	defer hc.ShutdownListener()
	hc.NotifyReadiness()

	if o.status {
		go o.printStatus(session)
	}

	if err := session.Run(o.Ctx); err != nil {
		return errors.Wrapf(err, "failed to run session")
	}

	if o.report {
		if err := session.WriteReport(o.output); err != nil {
			return errors.Wrap(err, "failed to write report")
		}
	}

	return nil
}

func (o *Options) printStatus(session *trace.Session) {
	var lastSamples uint64

	output.StatusBar(o.Ctx, time.Second, func() {
		stats := session.Stats()
		rate := stats.Samples - lastSamples
		lastSamples = stats.Samples
		output.PrintRight(output.PrettyTraceStatus(rate, session.RingUtilization(), stats.Lost))
	})
}

func (o *Options) daemonize() error {
	// Check if already running.
	if common.IsDaemonRunning() {
		fmt.Println("Daemon already running")
		return nil
	}

	// Start the daemon process.
	args := []string{CmdName}
	args = append(args, fmt.Sprintf("--pid=%d", o.pid))
	args = append(args, fmt.Sprintf("--frequency=%d", o.frequency))
	args = append(args, fmt.Sprintf("--stack-size=%d", o.stackSize))
	args = append(args, fmt.Sprintf("--report=%s", strconv.FormatBool(o.report)))
	args = append(args, fmt.Sprintf("--status=%s", strconv.FormatBool(o.status)))
	args = append(args, fmt.Sprintf("--output=%s", o.output))

	cmd := exec.Command(os.Args[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// Redirect output to log file.
	if settings.LogFile != "" {
		f, err := os.OpenFile(settings.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			o.Logger.Error().Err(err).Msg("failed to open log file")
			return err
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}

	err := cmd.Start()
	if err != nil {
		o.Logger.Error().Err(err).Msgf("failed to start %s", settings.CmdName)
		return err
	}

	// Store PID file.
	err = os.WriteFile(settings.PidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0644)
	if err != nil {
		o.Logger.Error().Err(err).Msg("failed to write PID file")
		return err
	}

	return nil
}
