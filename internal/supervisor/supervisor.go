// Package supervisor keeps exactly one worker process running per active bot
// and restarts crashed workers with exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sonolbot/internal/config"
	"github.com/harun/sonolbot/internal/observability"
	"github.com/harun/sonolbot/pkg/fsutil"
)

const (
	defaultTerminateGrace = 4 * time.Second
	killWait              = 2 * time.Second
)

// ErrSupervisorRunning is returned when another supervisor holds the manager lock.
var ErrSupervisorRunning = errors.New("another supervisor is running")

// Options configures a Supervisor.
type Options struct {
	Settings *config.Settings
	Store    *config.Store
	Spawner  Spawner
	Logger   zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
	// TerminateGrace is the delay between SIGTERM and SIGKILL.
	TerminateGrace time.Duration
}

// WorkerStatus is a snapshot of one bot's worker slot.
type WorkerStatus struct {
	BotID       string
	Running     bool
	PID         int
	StartedAt   time.Time
	Spawns      int
	FailCount   int
	NextStartAt time.Time
}

type worker struct {
	bot       config.Bot
	allowed   string
	proc      Process
	startedAt time.Time
}

type restartState struct {
	failCount   int
	nextStartAt time.Time
	lastSkipLog time.Time
	spawns      int
}

// Supervisor reconciles worker children against the bots file.
type Supervisor struct {
	settings *config.Settings
	store    *config.Store
	spawner  Spawner
	logger   zerolog.Logger
	now      func() time.Time
	grace    time.Duration

	mu       sync.Mutex
	workers  map[string]*worker
	restarts map[string]*restartState
	lock     *fsutil.FileLock
}

// New creates a supervisor.
func New(opts Options) *Supervisor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = defaultTerminateGrace
	}
	return &Supervisor{
		settings: opts.Settings,
		store:    opts.Store,
		spawner:  opts.Spawner,
		logger:   opts.Logger.With().Str("component", "supervisor").Logger(),
		now:      opts.Now,
		grace:    opts.TerminateGrace,
		workers:  make(map[string]*worker),
		restarts: make(map[string]*restartState),
	}
}

// Acquire takes the manager lock and writes the manager PID file.
func (s *Supervisor) Acquire() error {
	if err := fsutil.EnsureDir(s.settings.ManagerStateDir()); err != nil {
		return fmt.Errorf("failed to create manager state directory: %w", err)
	}
	lock, err := fsutil.AcquireFileLock(s.settings.ManagerLockPath())
	if err != nil {
		if errors.Is(err, fsutil.ErrLockHeld) {
			return fmt.Errorf("%w: %s", ErrSupervisorRunning, s.settings.Root)
		}
		return err
	}
	if err := fsutil.WritePIDFile(s.settings.ManagerPIDPath()); err != nil {
		_ = lock.Release()
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	s.lock = lock
	return nil
}

// Release removes the PID file and drops the manager lock.
func (s *Supervisor) Release() error {
	var errs []error
	if err := fsutil.RemoveIfExists(s.settings.ManagerPIDPath()); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove PID file: %w", err))
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			errs = append(errs, err)
		}
		s.lock = nil
	}
	return errors.Join(errs...)
}

// Run acquires the manager lock, reconciles every poll interval and on every
// bots-file change, and terminates all workers once ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := s.Release(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release manager lock")
		}
	}()
	defer s.Shutdown()

	var changes <-chan struct{}
	watcher, err := NewConfigWatcher(s.store.Path(), s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Config watcher unavailable, polling only")
	} else {
		defer watcher.Close()
		changes = watcher.Changes()
	}

	s.logger.Info().
		Str("bots_config", s.store.Path()).
		Dur("poll_interval", s.settings.PollInterval).
		Msg("Supervisor started")

	ticker := time.NewTicker(s.settings.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Reconcile(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Reconcile failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Supervisor stopping")
			return nil
		case <-ticker.C:
		case <-changes:
			s.logger.Debug().Msg("Bots config changed")
		}
	}
}

// Reconcile runs one supervision pass.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	cfg, err := s.store.Load()
	if err != nil {
		return err
	}
	active := make(map[string]config.Bot)
	for _, b := range config.ActiveBots(cfg) {
		active[b.BotID] = b
	}
	allowed := config.FormatUserIDs(cfg.AllowedUsersGlobal)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	for id, w := range s.workers {
		if _, ok := active[id]; ok {
			continue
		}
		s.logger.Info().Str("bot_id", id).Int("pid", w.proc.PID()).Msg("Stopping inactive worker")
		s.terminate(w)
		delete(s.workers, id)
		delete(s.restarts, id)
		observability.SetWorkerFailCount(id, 0)
	}

	for id, w := range s.workers {
		if exited(w.proc) {
			s.reap(id, w, now)
		}
	}

	for id, w := range s.workers {
		bot := active[id]
		if bot.Token == w.bot.Token && allowed == w.allowed {
			continue
		}
		s.logger.Info().
			Str("bot_id", id).
			Bool("token_changed", bot.Token != w.bot.Token).
			Msg("Worker environment changed, restarting")
		s.terminate(w)
		delete(s.workers, id)
		delete(s.restarts, id)
	}

	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, running := s.workers[id]; running {
			continue
		}
		s.start(ctx, active[id], allowed, now)
	}

	observability.SetWorkersRunning(len(s.workers))
	return nil
}

func (s *Supervisor) restartFor(botID string) *restartState {
	rs, ok := s.restarts[botID]
	if !ok {
		rs = &restartState{}
		s.restarts[botID] = rs
	}
	return rs
}

func (s *Supervisor) reap(botID string, w *worker, now time.Time) {
	delete(s.workers, botID)
	rs := s.restartFor(botID)
	code := w.proc.ExitCode()
	ranFor := now.Sub(w.startedAt)

	if code == 0 && ranFor >= s.settings.WorkerStableReset {
		rs.failCount = 0
		rs.nextStartAt = time.Time{}
	} else {
		s.fail(rs, now)
	}
	observability.SetWorkerFailCount(botID, rs.failCount)

	s.logger.Warn().
		Str("bot_id", botID).
		Int("exit_code", code).
		Dur("ran_for", ranFor).
		Int("fail_count", rs.failCount).
		Time("next_start_at", rs.nextStartAt).
		Msg("Worker exited")
}

func (s *Supervisor) fail(rs *restartState, now time.Time) {
	rs.failCount++
	rs.nextStartAt = now.Add(BackoffDelay(rs.failCount, s.settings.WorkerBackoffBase, s.settings.WorkerBackoffMax))
}

func (s *Supervisor) start(ctx context.Context, bot config.Bot, allowed string, now time.Time) {
	rs := s.restartFor(bot.BotID)
	if now.Before(rs.nextStartAt) {
		if now.Sub(rs.lastSkipLog) >= s.settings.PollInterval {
			rs.lastSkipLog = now
			s.logger.Debug().
				Str("bot_id", bot.BotID).
				Dur("wait", rs.nextStartAt.Sub(now)).
				Msg("Worker start skipped, backing off")
		}
		return
	}

	proc, err := s.spawner.Spawn(ctx, s.workerSpec(bot, allowed))
	if err != nil {
		s.fail(rs, now)
		observability.SetWorkerFailCount(bot.BotID, rs.failCount)
		s.logger.Error().Err(err).Str("bot_id", bot.BotID).Int("fail_count", rs.failCount).Msg("Failed to start worker")
		return
	}
	rs.spawns++
	rs.lastSkipLog = time.Time{}
	s.workers[bot.BotID] = &worker{bot: bot, allowed: allowed, proc: proc, startedAt: now}
	observability.RecordWorkerStart(bot.BotID)

	s.logger.Info().
		Str("bot_id", bot.BotID).
		Str("name", bot.DisplayName()).
		Int("pid", proc.PID()).
		Msg("Worker started")
}

func (s *Supervisor) workerSpec(bot config.Bot, allowed string) WorkerSpec {
	ws := config.NewWorkspace(s.settings.WorkspacesDir, bot.BotID)
	if err := fsutil.EnsureDir(ws.Root); err != nil {
		s.logger.Warn().Err(err).Str("dir", ws.Root).Msg("Failed to create workspace")
	}
	vars := []struct{ key, value string }{
		{config.KeyRoot, s.settings.Root},
		{config.KeyBotsConfig, s.store.Path()},
		{config.KeyWorkspacesDir, s.settings.WorkspacesDir},
		{config.KeyBotID, bot.BotID},
		{config.KeyBotToken, bot.Token},
		{config.KeyAllowedUsers, allowed},
		{config.KeyWorkDir, ws.Root},
		{config.KeyLogsDir, ws.Logs},
		{config.KeyTasksDir, ws.Tasks},
	}
	env := make([]string, 0, len(vars))
	for _, kv := range vars {
		env = append(env, strings.ToUpper(kv.key)+"="+kv.value)
	}
	return WorkerSpec{BotID: bot.BotID, Env: env, Dir: ws.Root}
}

// terminate sends SIGTERM, waits for the grace period, then kills.
func (s *Supervisor) terminate(w *worker) {
	if exited(w.proc) {
		return
	}
	if err := w.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn().Err(err).Str("bot_id", w.bot.BotID).Msg("Failed to signal worker")
	}
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-w.proc.Done():
		return
	case <-timer.C:
	}

	s.logger.Warn().Str("bot_id", w.bot.BotID).Int("pid", w.proc.PID()).Msg("Worker ignored SIGTERM, killing")
	if err := w.proc.Kill(); err != nil {
		s.logger.Warn().Err(err).Str("bot_id", w.bot.BotID).Msg("Failed to kill worker")
	}
	select {
	case <-w.proc.Done():
	case <-time.After(killWait):
	}
}

// Shutdown terminates every worker in parallel.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			s.terminate(w)
		}(w)
	}
	wg.Wait()
	clear(s.workers)
	observability.SetWorkersRunning(0)
}

// Status returns one entry per known bot, sorted by bot id.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]*WorkerStatus)
	for id, rs := range s.restarts {
		seen[id] = &WorkerStatus{BotID: id, Spawns: rs.spawns, FailCount: rs.failCount, NextStartAt: rs.nextStartAt}
	}
	for id, w := range s.workers {
		st, ok := seen[id]
		if !ok {
			st = &WorkerStatus{BotID: id}
			seen[id] = st
		}
		st.Running = !exited(w.proc)
		st.PID = w.proc.PID()
		st.StartedAt = w.startedAt
	}
	out := make([]WorkerStatus, 0, len(seen))
	for _, st := range seen {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// BackoffDelay is min(max, base * 2^(failCount-1)); zero for no failures.
func BackoffDelay(failCount int, base, ceiling time.Duration) time.Duration {
	if failCount <= 0 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < failCount; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}
