package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/sonolbot/internal/config"
	"github.com/harun/sonolbot/pkg/fsutil"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor and worker status",
	Long:  `Show whether the supervisor is running and which bot workers are alive.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// processState reads a PID file and reports the live PID and its age.
func processState(pidFile string) (pid int, uptime time.Duration, alive bool) {
	pid, err := fsutil.ReadPIDFile(pidFile)
	if err != nil || !fsutil.ProcessAlive(pid) {
		return 0, 0, false
	}
	if info, err := os.Stat(pidFile); err == nil {
		uptime = time.Since(info.ModTime())
	}
	return pid, uptime, true
}

func runStatus(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if pid, uptime, ok := processState(settings.ManagerPIDPath()); ok {
		fmt.Fprintf(out, "Supervisor: running\n")
		fmt.Fprintf(out, "PID: %d\n", pid)
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(uptime))
	} else {
		fmt.Fprintln(out, "Supervisor: stopped")
	}

	cfg, err := config.NewStore(settings.BotsConfig, zerolog.Nop()).Load()
	if err != nil {
		return err
	}
	return printWorkers(out, settings, cfg)
}

func printWorkers(out io.Writer, settings *config.Settings, cfg *config.BotsConfig) error {
	if len(cfg.Bots) == 0 {
		fmt.Fprintln(out, "No bots configured.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BOT_ID\tNAME\tACTIVE\tWORKER\tPID\tUPTIME")
	for _, b := range cfg.Bots {
		ws := config.NewWorkspace(settings.WorkspacesDir, b.BotID)
		state, pidText, upText := "stopped", "-", "-"
		if pid, uptime, ok := processState(ws.WorkerPIDPath()); ok {
			state = "running"
			pidText = fmt.Sprintf("%d", pid)
			upText = formatDuration(uptime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", b.BotID, b.DisplayName(), b.Active, state, pidText, upText)
	}
	return tw.Flush()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
