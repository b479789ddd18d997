package daemon

import (
	"context"
	"time"

	"github.com/harun/sonolbot/internal/observability"
)

// EventLoop paces the worker: poll Telegram, run a cycle, sleep.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates the tick loop for d.
func NewEventLoop(d *Daemon) *EventLoop {
	interval := d.settings.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &EventLoop{daemon: d, interval: interval}
}

// Run ticks until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one iteration: log rotation, Telegram poll, app-server cycle.
func (e *EventLoop) Tick(ctx context.Context) {
	d := e.daemon
	now := d.now()
	if d.logs != nil {
		if err := d.logs.Rotate(now); err != nil {
			d.logger.Warn().Err(err).Msg("Log rotation failed")
		}
	}
	if err := observability.GetActivityLog().Rotate(now); err != nil {
		d.logger.Warn().Err(err).Msg("Activity log rotation failed")
	}

	if n, err := d.tg.QuickCheck(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Telegram poll failed")
	} else if n > 0 {
		d.logger.Debug().Int("new_messages", n).Msg("Telegram poll stored messages")
	}

	d.RunCycle(ctx)
}
