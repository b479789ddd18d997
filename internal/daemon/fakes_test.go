package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/harun/sonolbot/internal/config"
	"github.com/harun/sonolbot/internal/telegram"
	"github.com/harun/sonolbot/pkg/appserver"
	"github.com/harun/sonolbot/pkg/chatlease"
	"github.com/harun/sonolbot/pkg/completed"
	"github.com/harun/sonolbot/pkg/taskstore"
)

const testChat int64 = 7

type startedTurn struct {
	ThreadID string
	TurnID   string
	Text     string
}

type steerCall struct {
	ThreadID string
	TurnID   string
	Text     string
}

type fakeApp struct {
	mu          sync.Mutex
	running     bool
	generation  int
	nextThread  int
	nextTurn    int
	resumeErr   error
	startErr    error
	steerErr    error
	oneShot     any
	created     []string
	resumed     []string
	bindings    []appserver.ThreadBinding
	turns       []startedTurn
	steers      []steerCall
	interrupts  []string
	stops       []string
	events      []appserver.Event
	oneShotRuns []string
}

func newFakeApp() *fakeApp {
	return &fakeApp{}
}

func fakeThreadID(n int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}

func (f *fakeApp) EnsureRunning(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		f.running = true
		f.generation++
	}
	return nil
}

func (f *fakeApp) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeApp) CheckAlive() bool { return f.Running() }

func (f *fakeApp) Generation() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func (f *fakeApp) PID() int {
	if f.Running() {
		return 4242
	}
	return 0
}

func (f *fakeApp) Stop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops = append(f.stops, reason)
}

func (f *fakeApp) AttachOrCreateThread(_ context.Context, b *appserver.ThreadBinding) (appserver.AttachResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, *b)

	var res appserver.AttachResult
	if b.ForceNew && b.ThreadID != "" {
		res.DroppedThreadID = b.ThreadID
		b.ThreadID = ""
	}
	if b.ThreadID != "" && b.Generation != f.generation {
		if f.resumeErr != nil {
			res.DroppedThreadID = b.ThreadID
			b.ThreadID = ""
		} else {
			f.resumed = append(f.resumed, b.ThreadID)
			res.Resumed = true
		}
	}
	if b.ThreadID == "" {
		f.nextThread++
		b.ThreadID = fakeThreadID(f.nextThread)
		f.created = append(f.created, b.ThreadID)
		res.Created = true
	}
	b.Generation = f.generation
	res.ThreadID = b.ThreadID
	return res, nil
}

func (f *fakeApp) StartTurn(_ context.Context, threadID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextTurn++
	turnID := fmt.Sprintf("turn-%d", f.nextTurn)
	f.turns = append(f.turns, startedTurn{ThreadID: threadID, TurnID: turnID, Text: text})
	return turnID, nil
}

func (f *fakeApp) SteerTurn(_ context.Context, threadID, expectedTurnID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steers = append(f.steers, steerCall{ThreadID: threadID, TurnID: expectedTurnID, Text: text})
	return f.steerErr
}

func (f *fakeApp) InterruptTurn(_ context.Context, _, turnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, turnID)
	return nil
}

func (f *fakeApp) DrainEvents() []appserver.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out
}

func (f *fakeApp) RunOneShot(_ context.Context, prompt string, _ time.Duration) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oneShotRuns = append(f.oneShotRuns, prompt)
	return f.oneShot
}

// emit queues a notification the way the reader goroutine would.
func (f *fakeApp) emit(t *testing.T, method string, params map[string]any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	f.mu.Lock()
	f.events = append(f.events, appserver.ParseEvent(method, raw))
	f.mu.Unlock()
}

func (f *fakeApp) lastTurn(t *testing.T) startedTurn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.turns, "no turn was started")
	return f.turns[len(f.turns)-1]
}

type sentText struct {
	ChatID int64
	Text   string
	Opts   telegram.SendOptions
}

type savedReply struct {
	ChatID  int64
	Text    string
	ReplyTo []int64
}

type fakeMessenger struct {
	mu        sync.Mutex
	messages  []telegram.Message
	processed map[int64]bool
	sent      []sentText
	edits     []string
	saved     []savedReply
	failSends int
	polls     int
	nextID    int
}

var errSendFailed = errors.New("telegram: 502 bad gateway")

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{processed: make(map[int64]bool)}
}

func (f *fakeMessenger) push(msgs ...telegram.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgs...)
}

func (f *fakeMessenger) QuickCheck(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return 0, nil
}

func (f *fakeMessenger) GetPendingMessages(_ context.Context, _ bool) ([]telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []telegram.Message
	for _, m := range f.messages {
		if !f.processed[m.MessageID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessenger) SendText(_ context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return 0, errSendFailed
	}
	f.nextID++
	f.sent = append(f.sent, sentText{ChatID: chatID, Text: text, Opts: opts})
	return 5000 + f.nextID, nil
}

func (f *fakeMessenger) EditMessageText(_ context.Context, _ int64, _ int, text string, _ [][]telegram.InlineButton) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeMessenger) SaveBotResponse(_ context.Context, chatID int64, text string, replyTo []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedReply{ChatID: chatID, Text: text, ReplyTo: append([]int64(nil), replyTo...)})
	return nil
}

func (f *fakeMessenger) savedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.saved))
	for _, r := range f.saved {
		out = append(out, r.Text)
	}
	return out
}

func (f *fakeMessenger) MarkMessagesProcessed(_ context.Context, ids []int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range ids {
		if !f.processed[id] {
			f.processed[id] = true
			n++
		}
	}
	return n, nil
}

func (f *fakeMessenger) isProcessed(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[id]
}

func (f *fakeMessenger) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

func (f *fakeMessenger) lastSent(t *testing.T) sentText {
	t.Helper()
	sent := f.sentTexts()
	require.NotEmpty(t, sent, "nothing was sent")
	return sent[len(sent)-1]
}

type fakeAliases struct {
	mu    sync.Mutex
	calls map[string]string
	err   error
}

func (f *fakeAliases) SetAlias(_ context.Context, botID, alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.calls == nil {
		f.calls = make(map[string]string)
	}
	f.calls[botID] = alias
	return nil
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	settings *config.Settings
	d        *Daemon
	app      *fakeApp
	tg       *fakeMessenger
	tasks    *taskstore.Store
	leases   *chatlease.Manager
	aliases  *fakeAliases
	now      time.Time
	slept    time.Duration
}

func testSettings(root string) *config.Settings {
	return &config.Settings{
		Root:                    root,
		BotsConfig:              filepath.Join(root, config.DefaultBotsConfigName),
		WorkspacesDir:           filepath.Join(root, "bots"),
		BotID:                   "bot-1",
		BotToken:                "123:abc",
		AllowedUsers:            []int64{42},
		PartitionByChat:         true,
		PollInterval:            time.Second,
		IdleTimeout:             600 * time.Second,
		TurnTimeout:             1800 * time.Second,
		ProgressInterval:        20 * time.Second,
		SteerBatchWindow:        800 * time.Millisecond,
		RequestTimeout:          45 * time.Second,
		LeaseTTL:                90 * time.Second,
		LeaseHeartbeat:          45 * time.Second,
		CompletedTTL:            180 * time.Second,
		LockWait:                time.Second,
		UIModeTimeout:           300 * time.Second,
		FallbackSendMaxAttempts: 3,
	}
}

func newHarness(t *testing.T, mutate func(*config.Settings)) *harness {
	t.Helper()
	settings := testSettings(t.TempDir())
	if mutate != nil {
		mutate(settings)
	}
	return newHarnessWith(t, settings)
}

// newHarnessWith builds a daemon over settings; reusing settings simulates
// a worker restart on the same workspace.
func newHarnessWith(t *testing.T, settings *config.Settings) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		settings: settings,
		app:      newFakeApp(),
		tg:       newFakeMessenger(),
		aliases:  &fakeAliases{},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	ws := settings.Workspace()

	h.tasks = taskstore.New(ws.Tasks, taskstore.Options{PartitionByChat: settings.PartitionByChat, Logger: zerolog.Nop(), Now: clock})
	leases, err := chatlease.New(chatlease.Config{
		Dir:          ws.ChatLocksDir(),
		TTL:          settings.LeaseTTL,
		LockWait:     settings.LockWait,
		AppServerPID: h.app.PID,
		Logger:       zerolog.Nop(),
		Now:          clock,
	})
	require.NoError(t, err)
	h.leases = leases

	d, err := New(settings, Deps{
		App:       h.app,
		Messenger: h.tg,
		Tasks:     h.tasks,
		Leases:    h.leases,
		Completed: completed.New(settings.CompletedTTL).WithClock(clock),
		Aliases:   h.aliases,
		Now:       clock,
		Sleep: func(d time.Duration) {
			h.slept += d
			h.now = h.now.Add(d)
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	d.retryBase = time.Millisecond
	h.d = d
	return h
}

func (h *harness) cycle() {
	h.d.RunCycle(h.ctx)
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) say(id int64, text string) telegram.Message {
	m := telegram.Message{
		MessageID: id,
		ChatID:    testChat,
		UserID:    42,
		Username:  "alice",
		Text:      text,
		Timestamp: h.now,
	}
	h.tg.push(m)
	return m
}

func (h *harness) tap(id int64, data string) {
	h.tg.push(telegram.Message{
		MessageID:    id,
		ChatID:       testChat,
		UserID:       42,
		CallbackID:   fmt.Sprintf("cb-%d", -id),
		CallbackData: data,
		Timestamp:    h.now,
	})
}

func (h *harness) chat() *ChatState {
	return h.d.Chat(testChat)
}

// bindThread gives the chat a remembered thread so it skips the cold-start menu.
func (h *harness) bindThread(threadID string) {
	st := h.chat()
	st.ThreadID = threadID
	st.TaskID = taskstore.ThreadTaskID(threadID)
}

// startTurn drives one message into a running turn on a bound thread.
func (h *harness) startTurn(id int64, text string) startedTurn {
	h.t.Helper()
	if h.chat().ThreadID == "" {
		h.bindThread(fakeThreadID(900))
	}
	h.say(id, text)
	h.cycle()
	turn := h.app.lastTurn(h.t)
	require.Equal(h.t, turn.TurnID, h.chat().ActiveTurnID)
	return turn
}

func (h *harness) complete(turn startedTurn, reply string) {
	if reply != "" {
		h.app.emit(h.t, appserver.MethodAgentMessage, map[string]any{
			"threadId": turn.ThreadID,
			"turnId":   turn.TurnID,
			"msg":      map[string]any{"type": "agent_message", "message": reply},
		})
	}
	h.app.emit(h.t, appserver.MethodTurnCompleted, map[string]any{
		"threadId": turn.ThreadID,
		"turn":     map[string]any{"id": turn.TurnID, "status": "completed"},
	})
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
