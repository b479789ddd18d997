package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeServer is an in-process app-server speaking over io.Pipe.
type fakeServer struct {
	t        *testing.T
	out      *io.PipeWriter
	mu       sync.Mutex
	handler  func(s *fakeServer, msg wireMessage)
	received chan wireMessage
}

func (s *fakeServer) send(v any) {
	data, err := json.Marshal(v)
	require.NoError(s.t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(append(data, '\n'))
}

func (s *fakeServer) respond(id json.RawMessage, result any) {
	s.send(map[string]any{"id": id, "result": result})
}

func (s *fakeServer) respondError(id json.RawMessage, code int, message string) {
	s.send(map[string]any{"id": id, "error": map[string]any{"code": code, "message": message}})
}

func (s *fakeServer) notify(method string, params any) {
	s.send(map[string]any{"method": method, "params": params})
}

func (s *fakeServer) serve(in io.Reader) {
	defer s.out.Close()
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		select {
		case s.received <- msg:
		default:
		}
		if msg.Method == "initialize" {
			s.respond(msg.ID, map[string]any{"userAgent": "fake"})
			continue
		}
		if s.handler != nil && msg.Method != "" && hasID(msg.ID) {
			s.handler(s, msg)
		}
	}
}

// newPipeClient returns a client attached to a fake server and already
// through the initialize handshake.
func newPipeClient(t *testing.T, cfg Config, handler func(s *fakeServer, msg wireMessage)) (*Client, *fakeServer) {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	client := New(cfg)

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	server := &fakeServer{t: t, out: stdoutW, handler: handler, received: make(chan wireMessage, 128)}
	go server.serve(stdinR)

	client.lifeMu.Lock()
	client.conn = client.attach(stdoutR, stdinW, nil)
	client.lifeMu.Unlock()
	require.NoError(t, client.handshake(context.Background()))

	t.Cleanup(func() { client.Stop("test cleanup") })
	return client, server
}

// waitReply returns the next client reply carrying id, skipping other traffic.
func (s *fakeServer) waitReply(t *testing.T, id string) wireMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-s.received:
			if msg.Method == "" && string(msg.ID) == id {
				return msg
			}
		case <-deadline:
			t.Fatalf("no reply for id %s", id)
			return wireMessage{}
		}
	}
}

// waitMethod returns the next client message calling method.
func (s *fakeServer) waitMethod(t *testing.T, method string) wireMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-s.received:
			if msg.Method == method {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s call", method)
			return wireMessage{}
		}
	}
}

func params(t *testing.T, msg wireMessage) map[string]any {
	t.Helper()
	var p map[string]any
	require.NoError(t, json.Unmarshal(msg.Params, &p))
	return p
}
