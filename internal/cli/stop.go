package cli

import (
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/sonolbot/pkg/fsutil"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the supervisor",
	Long: `Stop the supervisor gracefully.
Sends SIGTERM, waits for the supervisor to stop its workers and exit, then
sends SIGKILL once the timeout expires.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the supervisor to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := settings.ManagerPIDPath()

	pid, _, alive := processState(pidFile)
	if !alive {
		fmt.Fprintln(out, "Supervisor is not running")
		return fsutil.RemoveIfExists(pidFile)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !fsutil.ProcessAlive(pid) {
			fmt.Fprintln(out, "Supervisor stopped successfully")
			return fsutil.RemoveIfExists(pidFile)
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	fmt.Fprintln(out, "Supervisor killed")
	return fsutil.RemoveIfExists(pidFile)
}
