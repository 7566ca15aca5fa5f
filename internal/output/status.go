package output

import (
	"context"
	"fmt"
	"time"
)

func StatusBar(ctx context.Context, refreshRate time.Duration, printF func()) {
	ticker := time.NewTicker(refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			printF()
		case <-ctx.Done():
			return
		}
	}
}

// PrettyTraceStatus renders a single-line status for a running
// sampling session: samples taken per second, how full the ring
// buffers are on average, and how many samples the kernel has dropped
// to ring overflow so far.
func PrettyTraceStatus(rate uint64, ringUtil int, dropped uint64) string {
	return fmt.Sprintf("\r%-20s %-20s %-20s",
		fmt.Sprintf("Samples/s: %6d", rate),
		fmt.Sprintf("Ring: [%s] %3d%%", ProgressBar(ringUtil, 10), ringUtil),
		fmt.Sprintf("Dropped: %d", dropped),
	)
}
