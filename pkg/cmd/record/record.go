package record

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/tracecore/pkg/trace"
)

const CmdName = "record"

func NewCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   CmdName,
		Short: "Record a CPU profile for a fixed duration and write a pprof report",
		Long: fmt.Sprintf(`
%s samples CPU usage for every process (or one, with --pid) for a fixed
duration and writes the aggregated result as a gzip-compressed pprof
profile.
`, CmdName),
		DisableAutoGenTag: true,
		RunE:              o.Run,
	}

	cmd.Flags().IntVar(&o.pid, "pid", -1, "Filter sampling to one process")
	cmd.Flags().Uint64Var(&o.frequency, "frequency", 999, "Samples per second per CPU")
	cmd.Flags().Uint32Var(&o.stackSize, "stack-size", 8192, "Bytes of user stack captured per sample")
	cmd.Flags().Uint64Var(&o.duration, "duration", 10, "Recording duration in seconds")
	cmd.Flags().StringVarP(&o.output, "output", "o", trace.ReportFileName, "Path to write the pprof report to")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
	var err error
	o.LogLevel, err = cmd.Flags().GetString("log-level")
	if err != nil {
		return errors.Wrap(err, "failed to get log level")
	}

	logLevel, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		o.Logger.Fatal().Err(err).Msg("invalid log level")
	}
	o.Logger = o.Logger.Level(logLevel).With().Str("component", CmdName).Logger()

	session := trace.NewSession(
		trace.WithLogger(o.Logger),
		trace.WithTargetPID(o.pid),
		trace.WithFrequency(o.frequency),
		trace.WithStackSize(o.stackSize),
	)

	if err := session.Init(); err != nil {
		return errors.Wrap(err, "failed to init session")
	}
	defer session.Close()

	if err := session.Load(); err != nil {
		return errors.Wrap(err, "failed to load session")
	}

	ctx, cancel := context.WithTimeout(o.Ctx, time.Duration(o.duration)*time.Second)
	defer cancel()

	o.Logger.Info().Uint64("duration_s", o.duration).Msg("recording")
	if err := session.Run(ctx); err != nil {
		return errors.Wrap(err, "failed to run session")
	}

	if err := session.WriteReport(o.output); err != nil {
		return errors.Wrap(err, "failed to write report")
	}

	stats := session.Stats()
	o.Logger.Info().
		Uint64("samples", stats.Samples).
		Uint64("dropped", stats.Lost).
		Str("report", o.output).
		Msg("recording complete")

	return nil
}
