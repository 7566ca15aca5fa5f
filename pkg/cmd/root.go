package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/tracecore/pkg/cmd/options"
	"github.com/maxgio92/tracecore/pkg/cmd/record"
	"github.com/maxgio92/tracecore/pkg/cmd/run"
	"github.com/maxgio92/tracecore/pkg/cmd/status"
	"github.com/maxgio92/tracecore/pkg/cmd/stop"
	"github.com/maxgio92/tracecore/pkg/cmd/wait"
)

const logLevelInfo = "info"

func NewRootCmd(opts *options.CommonOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "tracecore",
		Short:             "tracecore is a cross-platform CPU sampling profiler",
		Long:              `tracecore samples userspace CPU usage via perf_event_open, unwinds each sample's stack and exports an aggregated pprof report.`,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			if opts.Debug {
				return c.Flags().Set("log-level", "debug")
			}
			return nil
		},
	}

	recordOpts := record.NewOptions(record.WithContext(opts.Ctx), record.WithLogger(opts.Logger))
	waitOpts := wait.NewOptions(wait.WithContext(opts.Ctx), wait.WithLogger(opts.Logger))

	cmd.AddCommand(record.NewCommand(recordOpts))
	cmd.AddCommand(run.NewCommand(opts))
	cmd.AddCommand(stop.NewCommand())
	cmd.AddCommand(status.NewCommand())
	cmd.AddCommand(wait.NewCommand(waitOpts))

	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Sets log level to debug")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", logLevelInfo, "Log level (trace, debug, info, warn, error, fatal, panic)")

	return cmd
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to
// happen once to the rootCmd.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	logger := log.New(log.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	go func() {
		<-ctx.Done()
		logger.Info().Msg("terminating...")
		cancel()
	}()

	opts := options.NewCommonOptions(
		options.WithContext(ctx),
		options.WithLogger(logger),
	)

	if err := NewRootCmd(opts).Execute(); err != nil {
		os.Exit(1)
	}
}
