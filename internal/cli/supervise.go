package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/sonolbot/internal/config"
	"github.com/harun/sonolbot/internal/supervisor"
	"github.com/harun/sonolbot/internal/tracing"
	"github.com/harun/sonolbot/pkg/fsutil"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run one worker per active bot",
	Long: `Run the supervisor in the foreground. It starts a worker for every
active bot in the bots file, restarts crashed workers with backoff and stops
workers whose bot was removed or deactivated.`,
	RunE: runSupervise,
}

func init() {
	rootCmd.AddCommand(superviseCmd)
}

func runSupervise(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if err := fsutil.EnsureDir(settings.ManagerStateDir()); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	logs, err := newProcessLogger(settings.LogLevel, settings.ManagerLogPath())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logs.Close()
	log := logs.Component("cli")

	if err := tracing.InitOpenTelemetry("sonolbot-supervisor"); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	stopMetrics := startMetricsServer(settings.MetricsAddr, log)
	defer stopMetrics()

	spawner, err := supervisor.NewExecSpawner(os.Stderr)
	if err != nil {
		return err
	}
	sup := supervisor.New(supervisor.Options{
		Settings: settings,
		Store:    config.NewStore(settings.BotsConfig, logs.GetZerolog()),
		Spawner:  spawner,
		Logger:   logs.GetZerolog(),
	})

	ctx, interrupted, stop := signalContext(cmd.Context())
	defer stop()

	if err := sup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Supervisor stopped with error")
		return err
	}
	if interrupted() {
		return ErrInterrupted
	}
	return nil
}
