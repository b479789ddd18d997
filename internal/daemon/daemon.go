// Package daemon is the per-bot worker: it polls Telegram, drives one
// app-server child and runs the per-chat turn state machine.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sonolbot/internal/config"
	"github.com/harun/sonolbot/internal/logger"
	"github.com/harun/sonolbot/internal/observability"
	"github.com/harun/sonolbot/internal/telegram"
	"github.com/harun/sonolbot/internal/tracing"
	"github.com/harun/sonolbot/pkg/appserver"
	"github.com/harun/sonolbot/pkg/chatlease"
	"github.com/harun/sonolbot/pkg/completed"
	"github.com/harun/sonolbot/pkg/taskstore"
)

const tracerName = "github.com/harun/sonolbot/internal/daemon"

// Deps are the collaborators of a worker. NewWorker builds the production
// set; tests inject fakes.
type Deps struct {
	App       AppServer
	Messenger Messenger
	Tasks     *taskstore.Store
	Leases    *chatlease.Manager
	Completed *completed.Cache
	Aliases   AliasWriter
	Rewriter  Rewriter
	Ranker    TaskRanker
	Logs      *logger.Logger

	Now   func() time.Time
	Sleep func(time.Duration)
}

// Daemon is one bot's worker.
type Daemon struct {
	settings  *config.Settings
	workspace config.Workspace
	logger    zerolog.Logger
	logs      *logger.Logger

	app       AppServer
	tg        Messenger
	tasks     *taskstore.Store
	leases    *chatlease.Manager
	completed *completed.Cache
	aliases   AliasWriter
	rewriter  Rewriter
	ranker    TaskRanker
	progress  *telegram.Progress

	now       func() time.Time
	sleep     func(time.Duration)
	retryBase time.Duration

	chats        map[int64]*ChatState
	threadsDirty bool
	migrated     map[int64]bool
	lastActivity time.Time

	lifecycle *LifecycleManager
	eventLoop *EventLoop

	startTime time.Time
	running   bool
	mu        sync.RWMutex
	done      chan struct{}
}

// Status is a snapshot for diagnostics.
type Status struct {
	Running      bool
	BotID        string
	Uptime       time.Duration
	AppServerPID int
	ActiveTurns  int
	Chats        int
}

// New assembles a worker from deps and loads the persisted thread map.
func New(settings *config.Settings, deps Deps, log zerolog.Logger) (*Daemon, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if deps.App == nil || deps.Messenger == nil || deps.Tasks == nil || deps.Leases == nil {
		return nil, fmt.Errorf("app-server, messenger, task store and lease manager are required")
	}
	if deps.Completed == nil {
		deps.Completed = completed.New(settings.CompletedTTL)
	}
	if deps.Rewriter == nil {
		deps.Rewriter = PassthroughRewriter{}
	}
	if deps.Ranker == nil {
		deps.Ranker = LexicalRanker{Tasks: deps.Tasks}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = time.Sleep
	}

	d := &Daemon{
		settings:  settings,
		workspace: settings.Workspace(),
		logger:    log.With().Str("component", "worker").Str("bot_id", settings.BotID).Logger(),
		logs:      deps.Logs,
		app:       deps.App,
		tg:        deps.Messenger,
		tasks:     deps.Tasks,
		leases:    deps.Leases,
		completed: deps.Completed,
		aliases:   deps.Aliases,
		rewriter:  deps.Rewriter,
		ranker:    deps.Ranker,
		progress:  telegram.NewProgress(deps.Messenger, settings.ProgressInterval),
		now:       deps.Now,
		sleep:     deps.Sleep,
		retryBase: defaultRetryBase,
		chats:     make(map[int64]*ChatState),
		migrated:  make(map[int64]bool),
		done:      make(chan struct{}),
	}
	d.lastActivity = d.now()
	d.lifecycle = NewLifecycleManager(d)
	d.eventLoop = NewEventLoop(d)

	records, err := loadThreadState(d.workspace.ThreadStatePath())
	if err != nil {
		d.logger.Warn().Err(err).Msg("Thread state unreadable; starting with an empty map")
	}
	for chatID, rec := range records {
		st := newChatState(chatID)
		st.ThreadID = rec.ThreadID
		st.TaskID = rec.TaskID
		d.chats[chatID] = st
	}
	d.logger.Info().Int("threads", len(records)).Msg("Loaded persisted thread map")
	return d, nil
}

// NewWorker wires the production collaborators for settings.
func NewWorker(settings *config.Settings, logs *logger.Logger) (*Daemon, error) {
	if err := settings.ValidateWorker(); err != nil {
		return nil, err
	}
	ws := settings.Workspace()
	log := logs.GetZerolog()

	bot, err := telegram.New(settings.BotToken, ws.MessageStorePath(), settings.AllowedUsers, log)
	if err != nil {
		return nil, err
	}

	var stderrLog io.Writer
	if w, err := logger.NewRotatingWriter(ws.AppServerLogPath(), 20, 7, true); err != nil {
		log.Warn().Err(err).Msg("App-server diagnostic log unavailable")
	} else {
		stderrLog = w
	}
	client := appserver.New(appserver.Config{
		Command:         settings.CodexBin,
		Dir:             ws.Root,
		RequestTimeout:  settings.RequestTimeout,
		RestartBackoff:  settings.RestartBackoff,
		ApprovalPolicy:  settings.CodexApprovalPolicy,
		Sandbox:         settings.CodexSandbox,
		Model:           settings.CodexModel,
		ReasoningEffort: settings.CodexReasoningEffort,
		StderrLog:       stderrLog,
		Logger:          log,
	})

	leases, err := chatlease.New(chatlease.Config{
		Dir:          ws.ChatLocksDir(),
		TTL:          settings.LeaseTTL,
		LockWait:     settings.LockWait,
		AppServerPID: client.PID,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	tasks := taskstore.New(ws.Tasks, taskstore.Options{PartitionByChat: settings.PartitionByChat, Logger: log})
	var ranker TaskRanker = LexicalRanker{Tasks: tasks}
	if settings.TaskSearchLLM {
		ranker = LLMRanker{App: client, Tasks: tasks, Logger: log}
	}

	return New(settings, Deps{
		App:       client,
		Messenger: bot,
		Tasks:     tasks,
		Leases:    leases,
		Completed: completed.New(settings.CompletedTTL),
		Aliases:   config.NewStore(settings.BotsConfig, log),
		Ranker:    ranker,
		Logs:      logs,
	}, log)
}

// Start takes the worker lock and marks the daemon running.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("worker is already running")
	}
	d.mu.Unlock()

	ctx := tracing.WithBotID(tracing.WithTraceID(context.Background(), tracing.NewTraceID()), d.settings.BotID)
	log := tracing.Logger(ctx, d.logger)
	log.Info().Str("workspace", d.workspace.Root).Msg("Starting worker")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.mu.Lock()
	d.running = true
	d.startTime = d.now()
	d.mu.Unlock()

	observability.RecordWorkerActivity(ctx, d.settings.BotID, "worker_started", "ok", map[string]interface{}{"pid": os.Getpid()})
	return nil
}

// Run starts the worker and blocks in the tick loop until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	d.eventLoop.Run(ctx)
	return d.Stop()
}

// Stop stops the app-server, releases leases, persists state and removes
// the PID file.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("worker is not running")
	}
	d.running = false
	d.mu.Unlock()

	ctx := tracing.WithBotID(context.Background(), d.settings.BotID)
	d.logger.Info().Msg("Stopping worker")

	d.app.Stop("worker shutdown")
	d.leases.ReleaseAll(ctx, "worker shutdown")
	d.persistThreads(true)

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
	observability.RecordWorkerActivity(ctx, d.settings.BotID, "worker_stopped", "ok", nil)
	close(d.done)
	d.logger.Info().Msg("Worker stopped")
	return nil
}

// Wait blocks until Stop has finished.
func (d *Daemon) Wait() {
	<-d.done
}

// Status returns a snapshot of the worker.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := Status{
		Running:      d.running,
		BotID:        d.settings.BotID,
		AppServerPID: d.app.PID(),
		Chats:        len(d.chats),
	}
	if d.running {
		st.Uptime = d.now().Sub(d.startTime)
	}
	for _, c := range d.chats {
		if c.ActiveTurnID != "" {
			st.ActiveTurns++
		}
	}
	return st
}

// Chat returns the state of chatID, creating it on first use.
func (d *Daemon) Chat(chatID int64) *ChatState {
	st, ok := d.chats[chatID]
	if !ok {
		st = newChatState(chatID)
		d.chats[chatID] = st
	}
	return st
}

func (d *Daemon) persistThreads(force bool) {
	if !d.threadsDirty && !force {
		return
	}
	if err := saveThreadState(d.workspace.ThreadStatePath(), d.chats, d.now()); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to persist thread map")
		return
	}
	d.threadsDirty = false
}

// RunCycle is one app-server cycle: per-chat dispatch, event draining and
// idle shutdown.
func (d *Daemon) RunCycle(ctx context.Context) {
	pending, err := d.tg.GetPendingMessages(ctx, false)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to read pending messages")
		pending = nil
	}
	if len(pending) > 0 {
		d.lastActivity = d.now()
	}

	byChat := make(map[int64][]telegram.Message)
	for _, m := range pending {
		byChat[m.ChatID] = append(byChat[m.ChatID], m)
	}
	chatIDs := make([]int64, 0, len(byChat)+len(d.chats))
	for id := range byChat {
		chatIDs = append(chatIDs, id)
	}
	for id, st := range d.chats {
		if _, ok := byChat[id]; !ok && st.HasWork() {
			chatIDs = append(chatIDs, id)
		}
	}
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })

	if d.app.Running() {
		d.app.CheckAlive()
	}

	for _, chatID := range chatIDs {
		msgs := byChat[chatID]
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].MessageID < msgs[j].MessageID })
		d.processChat(tracing.NewChatContext(ctx, chatID), d.Chat(chatID), msgs)
	}

	d.drainEvents(ctx)
	d.completed.Prune()
	d.persistThreads(false)
	observability.SetActiveTurns(d.activeTurns())
	d.maybeIdleShutdown(ctx, len(pending))
}

func (d *Daemon) activeTurns() int {
	n := 0
	for _, st := range d.chats {
		if st.ActiveTurnID != "" {
			n++
		}
	}
	return n
}

func (d *Daemon) maybeIdleShutdown(ctx context.Context, pending int) {
	if pending > 0 || !d.app.Running() {
		return
	}
	for _, st := range d.chats {
		if st.HasWork() {
			return
		}
	}
	if d.now().Sub(d.lastActivity) < d.settings.IdleTimeout {
		return
	}
	if d.leases.HasAnyActive(ctx) {
		return
	}
	d.logger.Info().Dur("idle", d.now().Sub(d.lastActivity)).Msg("Workspace idle; stopping app-server")
	d.app.Stop("idle timeout")
}
