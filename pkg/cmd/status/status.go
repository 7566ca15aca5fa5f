package status

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maxgio92/tracecore/internal/settings"
	"github.com/maxgio92/tracecore/pkg/cmd/common"
)

func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "status",
		Short:             fmt.Sprintf("Check the %s profiler status", settings.CmdName),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Run:               Run,
	}
}

func Run(_ *cobra.Command, _ []string) {
	if common.IsDaemonRunning() {
		pidData, _ := os.ReadFile(settings.PidFile)
		fmt.Printf("%s is running (PID %s)\n", settings.CmdName, pidData)
	} else {
		fmt.Printf("%s is not running\n", settings.CmdName)
	}
}
