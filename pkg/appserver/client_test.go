package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeBumpsGeneration(t *testing.T) {
	client, server := newPipeClient(t, Config{}, nil)

	assert.Equal(t, 1, client.Generation())
	assert.True(t, client.Running())

	var methods []string
	for len(methods) < 2 {
		select {
		case msg := <-server.received:
			methods = append(methods, msg.Method)
		case <-time.After(time.Second):
			t.Fatal("handshake messages not received")
		}
	}
	assert.Equal(t, []string{"initialize", "initialized"}, methods)
}

func TestRequestResponse(t *testing.T) {
	client, _ := newPipeClient(t, Config{}, func(s *fakeServer, msg wireMessage) {
		switch msg.Method {
		case "thread/start":
			s.respond(msg.ID, map[string]any{"thread": map[string]any{"id": "th-1"}})
		case "broken":
			s.respondError(msg.ID, -32601, "no such method")
		}
	})

	threadID, err := client.StartThread(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "th-1", threadID)

	_, err = client.Request(context.Background(), "broken", nil, time.Second)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestRequestTimeoutAbandonsID(t *testing.T) {
	late := make(chan json.RawMessage, 1)
	client, server := newPipeClient(t, Config{}, func(s *fakeServer, msg wireMessage) {
		switch msg.Method {
		case "slow":
			late <- msg.ID
		case "fast":
			s.respond(msg.ID, map[string]any{"ok": true})
		}
	})

	_, err := client.Request(context.Background(), "slow", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)

	client.pendingMu.Lock()
	assert.Empty(t, client.pending)
	client.pendingMu.Unlock()

	server.respond(<-late, map[string]any{"too": "late"})

	raw, err := client.Request(context.Background(), "fast", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.True(t, client.Running())
}

func TestConcurrentRequestsGetDistinctIDs(t *testing.T) {
	client, _ := newPipeClient(t, Config{}, func(s *fakeServer, msg wireMessage) {
		s.respond(msg.ID, map[string]any{"echo": json.RawMessage(msg.ID)})
	})

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			raw, err := client.Request(context.Background(), "echo", nil, 2*time.Second)
			if err == nil {
				var r struct{ Echo int64 }
				err = json.Unmarshal(raw, &r)
				if err == nil && r.Echo <= 0 {
					err = errors.New("missing echo id")
				}
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestServerRequestsAnsweredByPolicy(t *testing.T) {
	_, server := newPipeClient(t, Config{}, nil)

	cases := []struct {
		id     int
		method string
		params any
		want   string
	}{
		{101, MethodCommandApproval, map[string]any{"itemId": "x"}, `{"decision":"accept"}`},
		{102, MethodPatchApproval, map[string]any{}, `{"decision":"approved"}`},
		{103, MethodRequestUserInput, map[string]any{"questions": []any{
			map[string]any{"id": "q1", "options": []any{map[string]any{"label": "Yes"}, map[string]any{"label": "No"}}},
			map[string]any{"id": "q2"},
		}}, `{"answers":{"q1":{"answers":["Yes"]},"q2":{"answers":["confirm"]}}}`},
		{104, "mystery/method", map[string]any{}, `{}`},
	}

	for _, tc := range cases {
		server.send(map[string]any{"id": tc.id, "method": tc.method, "params": tc.params})
		msg := server.waitReply(t, jsonInt(tc.id))
		assert.JSONEq(t, tc.want, string(msg.Result), tc.method)
	}
}

func jsonInt(n int) string {
	data, _ := json.Marshal(n)
	return string(data)
}

func TestNotificationsQueuedFIFO(t *testing.T) {
	client, server := newPipeClient(t, Config{}, nil)

	server.notify(MethodTurnStarted, map[string]any{"threadId": "th", "turn": map[string]any{"id": "tu"}})
	server.notify(MethodAgentDelta, map[string]any{"threadId": "th", "turnId": "tu", "delta": "hel"})
	server.notify(MethodAgentDelta, map[string]any{"threadId": "th", "turnId": "tu", "delta": "lo"})
	server.notify(MethodTurnCompleted, map[string]any{"threadId": "th", "turn": map[string]any{"id": "tu", "status": "completed"}})

	var events []Event
	require.Eventually(t, func() bool {
		events = append(events, client.DrainEvents()...)
		return len(events) == 4
	}, 2*time.Second, 10*time.Millisecond)

	kinds := []EventKind{events[0].Kind, events[1].Kind, events[2].Kind, events[3].Kind}
	assert.Equal(t, []EventKind{EventTurnStarted, EventAgentDelta, EventAgentDelta, EventTurnCompleted}, kinds)
	assert.Equal(t, "hel", events[1].Text)
	assert.True(t, events[3].Completed())
	assert.Empty(t, client.DrainEvents())
}

func TestStopAndRestartBackoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client, _ := newPipeClient(t, Config{
		RestartBackoff: time.Hour,
		Now:            func() time.Time { return now },
	}, nil)

	client.Stop("idle")
	assert.False(t, client.Running())
	assert.Equal(t, 0, client.PID())

	_, err := client.Request(context.Background(), "thread/start", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotRunning)

	err = client.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, ErrRestartBackoff)
}

func TestCheckAliveDetectsExit(t *testing.T) {
	client, server := newPipeClient(t, Config{RestartBackoff: time.Hour}, nil)

	require.NoError(t, server.out.Close())
	require.Eventually(t, func() bool { return !client.Running() }, 2*time.Second, 10*time.Millisecond)

	assert.False(t, client.CheckAlive())
	assert.ErrorIs(t, client.EnsureRunning(context.Background()), ErrRestartBackoff)
}
