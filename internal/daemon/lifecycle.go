package daemon

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/harun/sonolbot/internal/config"
	"github.com/harun/sonolbot/pkg/fsutil"
)

// ErrWorkerRunning is returned when another process holds the worker lock.
var ErrWorkerRunning = errors.New("another worker owns this workspace")

// LifecycleManager owns the worker singleton lock, the PID file and the
// normalized process environment.
type LifecycleManager struct {
	daemon  *Daemon
	lock    *fsutil.FileLock
	pidFile string
	setenv  func(key, value string) error
}

// NewLifecycleManager creates a lifecycle manager for d's workspace.
func NewLifecycleManager(d *Daemon) *LifecycleManager {
	return &LifecycleManager{
		daemon:  d,
		pidFile: d.workspace.WorkerPIDPath(),
		setenv:  os.Setenv,
	}
}

// Start creates the workspace, takes the worker lock and writes the PID file.
func (l *LifecycleManager) Start() error {
	ws := l.daemon.workspace
	for _, dir := range ws.Dirs() {
		if err := fsutil.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}

	lock, err := fsutil.AcquireFileLock(ws.WorkerLockPath())
	if err != nil {
		if errors.Is(err, fsutil.ErrLockHeld) {
			return fmt.Errorf("%w: %s", ErrWorkerRunning, ws.Root)
		}
		return err
	}
	l.lock = lock

	if err := fsutil.WritePIDFile(l.pidFile); err != nil {
		_ = l.lock.Release()
		l.lock = nil
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := l.NormalizeEnv(); err != nil {
		l.daemon.logger.Warn().Err(err).Msg("Failed to normalize environment")
	}

	l.daemon.logger.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")
	return nil
}

// Stop removes the PID file and releases the worker lock.
func (l *LifecycleManager) Stop() error {
	var errs []error
	if err := fsutil.RemoveIfExists(l.pidFile); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove PID file: %w", err))
	}
	if l.lock != nil {
		if err := l.lock.Release(); err != nil {
			errs = append(errs, err)
		}
		l.lock = nil
	}
	l.daemon.logger.Info().Msg("Lifecycle manager stopped")
	return errors.Join(errs...)
}

// NormalizeEnv pins the locale and exports the workspace layout so the
// app-server child inherits it.
func (l *LifecycleManager) NormalizeEnv() error {
	s := l.daemon.settings
	ws := l.daemon.workspace
	vars := []struct{ key, value string }{
		{"LANG", "C.UTF-8"},
		{"LC_ALL", "C.UTF-8"},
		{"PYTHONUTF8", "1"},
		{"WORK_DIR", ws.Root},
		{"LOGS_DIR", ws.Logs},
		{"TASKS_DIR", ws.Tasks},
		{"SONOLBOT_BOT_ID", s.BotID},
		{"TELEGRAM_ALLOWED_USERS", config.FormatUserIDs(s.AllowedUsers)},
	}
	var errs []error
	for _, kv := range vars {
		if err := l.setenv(kv.key, kv.value); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", kv.key, err))
		}
	}
	return errors.Join(errs...)
}

// GetUptime returns the worker uptime.
func (l *LifecycleManager) GetUptime() time.Duration {
	return l.daemon.Status().Uptime
}

// GetPID returns the worker PID recorded in the PID file.
func (l *LifecycleManager) GetPID() (int, error) {
	pid, err := fsutil.ReadPIDFile(l.pidFile)
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// IsRunning reports whether the PID file names a live process.
func (l *LifecycleManager) IsRunning() bool {
	pid, err := l.GetPID()
	if err != nil {
		return false
	}
	return fsutil.ProcessAlive(pid)
}
