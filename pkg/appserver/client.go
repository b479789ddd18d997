// Package appserver drives a `codex app-server --listen stdio://` child over
// line-delimited JSON-RPC: requests with timeouts, policy replies to
// server-initiated requests, a FIFO notification queue and thread/turn
// helpers.
package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/sonolbot/internal/observability"
	"github.com/harun/sonolbot/internal/tracing"
)

const (
	tracerName = "sonolbot/appserver"

	defaultRequestTimeout = 45 * time.Second
	defaultRestartBackoff = 3 * time.Second
	defaultStopGrace      = 3 * time.Second
	maxLineBytes          = 16 * 1024 * 1024
	serverRequestBuffer   = 64
	watcherBuffer         = 256
)

// Config configures the child process and the thread/turn defaults.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	RequestTimeout time.Duration
	RestartBackoff time.Duration
	StopGrace      time.Duration

	ClientName    string
	ClientVersion string

	// Thread and turn defaults.
	ApprovalPolicy        string
	Sandbox               string
	Model                 string
	ReasoningEffort       string
	DeveloperInstructions string

	// StderrLog receives the child's stderr verbatim.
	StderrLog io.Writer
	Policy    PolicyResolver
	Logger    zerolog.Logger
	Now       func() time.Time
}

// conn is one attached child (or stream pair in tests).
type conn struct {
	stdin      io.WriteCloser
	readerDone chan struct{}
	procDone   chan struct{}
	cmd        *exec.Cmd
	pid        int
}

func (cn *conn) alive() bool {
	select {
	case <-cn.readerDone:
		return false
	default:
		return true
	}
}

// Client is the JSON-RPC bridge to one app-server child.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	lifeMu     sync.Mutex
	conn       *conn
	generation atomic.Int64
	stoppedAt  time.Time

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan Incoming

	eventsMu sync.Mutex
	events   []Event

	watchMu  sync.Mutex
	watchers map[string]chan Event
}

// New creates a client; the child is started by Start or EnsureRunning.
func New(cfg Config) *Client {
	if cfg.Command == "" {
		cfg.Command = "codex"
	}
	if cfg.Args == nil {
		cfg.Args = []string{"app-server", "--listen", "stdio://"}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RestartBackoff < 0 {
		cfg.RestartBackoff = defaultRestartBackoff
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "sonolbot"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "appserver").Logger(),
		now:      now,
		pending:  make(map[int64]chan Incoming),
		watchers: make(map[string]chan Event),
	}
}

// Generation counts successful starts; threads attached under an older
// generation must be resumed.
func (c *Client) Generation() int {
	return int(c.generation.Load())
}

func (c *Client) current() *conn {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.conn
}

// Running reports whether a child is attached and its stdout is open.
func (c *Client) Running() bool {
	cn := c.current()
	return cn != nil && cn.alive()
}

// PID returns the child's pid or zero.
func (c *Client) PID() int {
	if cn := c.current(); cn != nil && cn.alive() {
		return cn.pid
	}
	return 0
}

// Start launches the child and performs the initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	if c.conn != nil && c.conn.alive() {
		c.lifeMu.Unlock()
		return nil
	}
	if c.conn != nil {
		c.teardownLocked("exited")
	}
	if !c.stoppedAt.IsZero() && c.now().Sub(c.stoppedAt) < c.cfg.RestartBackoff {
		wait := c.cfg.RestartBackoff - c.now().Sub(c.stoppedAt)
		c.lifeMu.Unlock()
		return fmt.Errorf("%w: %s remaining", ErrRestartBackoff, wait.Round(time.Millisecond))
	}

	cn, err := c.spawn()
	if err != nil {
		c.stoppedAt = c.now()
		c.lifeMu.Unlock()
		observability.RecordAppServerStart(false)
		return err
	}
	c.conn = cn
	c.lifeMu.Unlock()

	if err := c.handshake(ctx); err != nil {
		c.Stop("initialize failed")
		observability.RecordAppServerStart(false)
		return err
	}
	observability.RecordAppServerStart(true)
	c.logger.Info().Int("pid", cn.pid).Int("generation", c.Generation()).Msg("App-server started")
	return nil
}

// EnsureRunning starts the child when it is not running. A dead child is
// torn down first, which opens the restart-backoff window.
func (c *Client) EnsureRunning(ctx context.Context) error {
	if c.Running() {
		return nil
	}
	return c.Start(ctx)
}

// CheckAlive tears down a child whose stdout has closed. It reports whether
// a child is running afterwards.
func (c *Client) CheckAlive() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.conn == nil {
		return false
	}
	if c.conn.alive() {
		return true
	}
	c.logger.Warn().Int("pid", c.conn.pid).Msg("App-server exited; entering restart backoff")
	c.teardownLocked("exited")
	return false
}

// Stop terminates the child.
func (c *Client) Stop(reason string) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.conn == nil {
		return
	}
	c.logger.Info().Int("pid", c.conn.pid).Str("reason", reason).Msg("Stopping app-server")
	c.teardownLocked(reason)
}

func (c *Client) teardownLocked(reason string) {
	cn := c.conn
	c.conn = nil
	c.stoppedAt = c.now()

	_ = cn.stdin.Close()
	if cn.cmd != nil && cn.cmd.Process != nil {
		select {
		case <-cn.procDone:
		case <-time.After(c.cfg.StopGrace):
			_ = terminateGroup(cn.cmd.Process.Pid)
			select {
			case <-cn.procDone:
			case <-time.After(c.cfg.StopGrace):
				_ = killGroup(cn.cmd.Process.Pid)
				<-cn.procDone
			}
		}
	}

	c.pendingMu.Lock()
	c.pending = make(map[int64]chan Incoming)
	c.pendingMu.Unlock()

	c.logger.Debug().Str("reason", reason).Msg("App-server connection closed")
}

func (c *Client) spawn() (*conn, error) {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("app-server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("app-server stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("app-server stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start app-server: %w", err)
	}

	cn := c.attach(stdout, stdin, stderr)
	cn.cmd = cmd
	cn.pid = cmd.Process.Pid
	go func() {
		<-cn.readerDone
		_ = cmd.Wait()
		close(cn.procDone)
	}()
	return cn, nil
}

// attach wires readers onto an already running stream pair.
func (c *Client) attach(stdout io.Reader, stdin io.WriteCloser, stderr io.Reader) *conn {
	cn := &conn{
		stdin:      stdin,
		readerDone: make(chan struct{}),
		procDone:   make(chan struct{}),
	}
	requests := make(chan Incoming, serverRequestBuffer)
	go c.readLoop(cn, stdout, requests)
	go c.serveRequests(cn, requests)
	if stderr != nil {
		go c.mirrorStderr(stderr)
	}
	return cn
}

func (c *Client) handshake(ctx context.Context) error {
	params := map[string]any{
		"clientInfo": map[string]any{
			"name":    c.cfg.ClientName,
			"title":   c.cfg.ClientName,
			"version": c.cfg.ClientVersion,
		},
		"capabilities": map[string]any{},
	}
	if _, err := c.Request(ctx, "initialize", params, c.cfg.RequestTimeout); err != nil {
		return fmt.Errorf("app-server initialize: %w", err)
	}
	if err := c.Notify("initialized", nil); err != nil {
		return fmt.Errorf("app-server initialized: %w", err)
	}
	c.generation.Add(1)
	return nil
}

func (c *Client) readLoop(cn *conn, stdout io.Reader, requests chan<- Incoming) {
	defer close(cn.readerDone)
	defer close(requests)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		in, err := decodeIncoming(line)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(line)).Msg("Skipping app-server line")
			continue
		}
		switch in.Kind {
		case KindResponse:
			c.deliver(in)
		case KindServerRequest:
			requests <- in
		case KindNotification:
			c.enqueue(ParseEvent(in.Method, in.Params))
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("App-server stdout reader stopped")
	}
}

func (c *Client) deliver(in Incoming) {
	c.pendingMu.Lock()
	ch, ok := c.pending[in.ID]
	if ok {
		delete(c.pending, in.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug().Int64("id", in.ID).Msg("Discarding unmatched response")
		return
	}
	ch <- in
}

func (c *Client) enqueue(ev Event) {
	ev.ReceivedAt = c.now()
	if ev.ThreadID != "" {
		c.watchMu.Lock()
		w, ok := c.watchers[ev.ThreadID]
		c.watchMu.Unlock()
		if ok {
			select {
			case w <- ev:
			default:
				c.logger.Warn().Str("thread_id", ev.ThreadID).Msg("Dropping event for slow watcher")
			}
			return
		}
	}
	c.eventsMu.Lock()
	c.events = append(c.events, ev)
	c.eventsMu.Unlock()
}

// DrainEvents returns and clears the queued notifications in arrival order.
func (c *Client) DrainEvents() []Event {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	out := c.events
	c.events = nil
	return out
}

func (c *Client) serveRequests(cn *conn, requests <-chan Incoming) {
	for req := range requests {
		result, known := c.cfg.Policy.Resolve(req.Method, req.Params)
		if !known {
			c.logger.Warn().Str("method", req.Method).Msg("Unknown server request; replying {}")
		} else {
			c.logger.Debug().Str("method", req.Method).Msg("Answered server request by policy")
		}
		if err := c.write(cn, reply{ID: req.RawID, Result: result}); err != nil {
			c.logger.Warn().Err(err).Str("method", req.Method).Msg("Policy reply failed")
		}
	}
}

func (c *Client) mirrorStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 16*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if c.cfg.StderrLog != nil {
			_, _ = io.WriteString(c.cfg.StderrLog, line+"\n")
		}
		c.logger.Debug().Str("stderr", line).Msg("app-server")
	}
}

func (c *Client) write(cn *conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode app-server message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := cn.stdin.Write(data); err != nil {
		return fmt.Errorf("write app-server stdin: %w", err)
	}
	return nil
}

// Notify sends a notification.
func (c *Client) Notify(method string, params any) error {
	cn := c.current()
	if cn == nil || !cn.alive() {
		return ErrNotRunning
	}
	return c.write(cn, outgoing{Method: method, Params: params})
}

func (c *Client) abandon(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Request sends method and waits for its response. On timeout the id is
// abandoned and ErrRequestTimeout returned; the child keeps running.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cn := c.current()
	if cn == nil || !cn.alive() {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, method)
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "appserver.request", attribute.String("rpc.method", method))
	defer span.End()

	id := c.nextID.Add(1)
	ch := make(chan Incoming, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	started := time.Now()
	result, err := c.await(ctx, cn, ch, id, method, params, timeout)
	observability.RecordRPCRequest(method, time.Since(started), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (c *Client) await(ctx context.Context, cn *conn, ch chan Incoming, id int64, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.write(cn, outgoing{ID: &id, Method: method, Params: params}); err != nil {
		c.abandon(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		c.abandon(id)
		c.logger.Warn().Str("method", method).Int64("id", id).Dur("timeout", timeout).Msg("App-server request timed out")
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	case <-cn.readerDone:
		c.abandon(id)
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, method)
	}
}

func (c *Client) watch(threadID string) chan Event {
	ch := make(chan Event, watcherBuffer)
	c.watchMu.Lock()
	c.watchers[threadID] = ch
	c.watchMu.Unlock()
	return ch
}

func (c *Client) unwatch(threadID string) {
	c.watchMu.Lock()
	delete(c.watchers, threadID)
	c.watchMu.Unlock()
}
