package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/sonolbot/internal/daemon"
	"github.com/harun/sonolbot/internal/logger"
	"github.com/harun/sonolbot/internal/observability"
	"github.com/harun/sonolbot/internal/tracing"
	"github.com/harun/sonolbot/pkg/fsutil"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker for one bot",
	Long: `Run the worker for the bot named by SONOLBOT_BOT_ID.
The supervisor starts workers with SONOLBOT_BOT_ID, TELEGRAM_BOT_TOKEN and
TELEGRAM_ALLOWED_USERS set; all three are required.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if err := settings.ValidateWorker(); err != nil {
		return err
	}
	ws := settings.Workspace()
	if err := fsutil.EnsureDir(ws.Logs); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logs, err := newProcessLogger(settings.LogLevel, ws.WorkerLogPath())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logs.Close()
	log := logs.Component("cli")

	if w, err := logger.NewRotatingWriter(ws.ActivityLogPath(), 20, 14, true); err != nil {
		log.Warn().Err(err).Msg("Activity log unavailable")
	} else {
		observability.InitActivityLog(w)
		defer observability.GetActivityLog().Close()
	}

	if err := tracing.InitOpenTelemetry("sonolbot-worker"); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	stopMetrics := startMetricsServer(settings.MetricsAddr, log)
	defer stopMetrics()

	d, err := daemon.NewWorker(settings, logs)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, interrupted, stop := signalContext(cmd.Context())
	defer stop()

	if err := d.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker stopped with error")
		return err
	}
	if interrupted() {
		return ErrInterrupted
	}
	return nil
}
