package cmd

import (
	"bytes"
	"context"
	"os"
	"testing"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/tracecore/pkg/cmd/options"
)

func newTestOpts() *options.CommonOptions {
	return options.NewCommonOptions(
		options.WithContext(context.Background()),
		options.WithLogger(log.New(log.ConsoleWriter{Out: os.Stderr})),
	)
}

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd(newTestOpts())

	require.Equal(t, "tracecore", cmd.Use)
	require.Contains(t, cmd.Short, "sampling profiler")
	require.True(t, cmd.HasSubCommands())
}

func TestNewRootCmdFlags(t *testing.T) {
	cmd := NewRootCmd(newTestOpts())

	flag := cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, flag)
	require.Equal(t, "string", flag.Value.Type())
	require.Equal(t, "info", flag.DefValue)

	flag = cmd.PersistentFlags().Lookup("debug")
	require.NotNil(t, flag)
	require.Equal(t, "bool", flag.Value.Type())
}

func TestNewRootCmdSubcommands(t *testing.T) {
	cmd := NewRootCmd(newTestOpts())

	expected := []string{"record", "run", "stop", "status", "wait"}
	actual := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		actual = append(actual, sub.Name())
	}

	for _, name := range expected {
		require.Contains(t, actual, name)
	}
}

func TestNewRootCmdHelp(t *testing.T) {
	cmd := NewRootCmd(newTestOpts())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "tracecore")
	require.Contains(t, out.String(), "Available Commands:")
}

func TestNewRootCmdInvalidFlag(t *testing.T) {
	cmd := NewRootCmd(newTestOpts())

	var out bytes.Buffer
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--invalid-flag"})

	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, out.String(), "unknown flag")
}

func TestNewRootCmdDisableAutoGenTag(t *testing.T) {
	cmd := NewRootCmd(newTestOpts())
	require.True(t, cmd.DisableAutoGenTag)

	for _, sub := range cmd.Commands() {
		require.True(t, sub.DisableAutoGenTag, "subcommand %s", sub.Name())
	}
}

func TestNewRootCmdRecordFlagsInherited(t *testing.T) {
	cmd := NewRootCmd(newTestOpts())

	var record *cobra.Command
	for _, sub := range cmd.Commands() {
		if sub.Name() == "record" {
			record = sub
		}
	}
	require.NotNil(t, record)

	// Root sets persistent flags, which record inherits once the
	// command tree has been walked at least once.
	cmd.SetArgs([]string{"record", "--help"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	flag := record.Flags().Lookup("log-level")
	require.NotNil(t, flag)
}
