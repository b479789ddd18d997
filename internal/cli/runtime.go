package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sonolbot/internal/logger"
	"github.com/harun/sonolbot/internal/observability"
)

// signalContext is cancelled on SIGINT or SIGTERM. interrupted reports
// whether a signal caused the cancellation.
func signalContext(parent context.Context) (ctx context.Context, interrupted func() bool, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	var got atomic.Bool
	go func() {
		select {
		case <-ch:
			got.Store(true)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, got.Load, func() {
		signal.Stop(ch)
		cancel()
	}
}

func newProcessLogger(level, file string) (*logger.Logger, error) {
	cfg := logger.DefaultConfig()
	cfg.Level = level
	cfg.File = file
	cfg.Console = true
	cfg.Redaction = true
	return logger.New(cfg)
}

// startMetricsServer serves /metrics on addr until the returned stop is called.
func startMetricsServer(addr string, log zerolog.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("Metrics server listening")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
