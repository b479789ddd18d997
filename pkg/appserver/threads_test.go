package appserver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type threadServer struct {
	mu         sync.Mutex
	started    int
	resumed    []string
	failResume bool
}

func (ts *threadServer) handle(s *fakeServer, msg wireMessage) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	switch msg.Method {
	case "thread/start":
		ts.started++
		s.respond(msg.ID, map[string]any{"thread": map[string]any{"id": "new-thread"}})
	case "thread/resume":
		p := params(s.t, msg)
		ts.resumed = append(ts.resumed, p["threadId"].(string))
		if ts.failResume {
			s.respondError(msg.ID, -32000, "thread not found")
			return
		}
		s.respond(msg.ID, map[string]any{"thread": map[string]any{"id": p["threadId"]}})
	case "turn/start":
		s.respond(msg.ID, map[string]any{"turn": map[string]any{"id": "turn-1", "status": "inProgress"}})
	case "turn/steer":
		s.respond(msg.ID, map[string]any{"turnId": "turn-1"})
	case "turn/interrupt":
		s.respond(msg.ID, map[string]any{})
	}
}

func TestAttachCreatesThreadWhenUnbound(t *testing.T) {
	ts := &threadServer{}
	client, _ := newPipeClient(t, Config{}, ts.handle)

	b := &ThreadBinding{}
	res, err := client.AttachOrCreateThread(context.Background(), b)
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, "new-thread", res.ThreadID)
	assert.Equal(t, "new-thread", b.ThreadID)
	assert.Equal(t, client.Generation(), b.Generation)
}

func TestAttachKeepsCurrentGenerationThread(t *testing.T) {
	ts := &threadServer{}
	client, _ := newPipeClient(t, Config{}, ts.handle)

	b := &ThreadBinding{ThreadID: "kept", Generation: client.Generation()}
	res, err := client.AttachOrCreateThread(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, "kept", res.ThreadID)
	assert.False(t, res.Created)
	assert.False(t, res.Resumed)
	assert.Zero(t, ts.started)
	assert.Empty(t, ts.resumed)
}

func TestAttachResumesStaleGeneration(t *testing.T) {
	ts := &threadServer{}
	client, _ := newPipeClient(t, Config{}, ts.handle)

	b := &ThreadBinding{ThreadID: "old", Generation: 0}
	res, err := client.AttachOrCreateThread(context.Background(), b)
	require.NoError(t, err)

	assert.True(t, res.Resumed)
	assert.Equal(t, "old", res.ThreadID)
	assert.Equal(t, []string{"old"}, ts.resumed)
	assert.Equal(t, client.Generation(), b.Generation)
}

func TestAttachFallsBackWhenResumeFails(t *testing.T) {
	ts := &threadServer{failResume: true}
	client, _ := newPipeClient(t, Config{}, ts.handle)

	b := &ThreadBinding{ThreadID: "gone", Generation: 0}
	res, err := client.AttachOrCreateThread(context.Background(), b)
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, "gone", res.DroppedThreadID)
	assert.Equal(t, "new-thread", b.ThreadID)
}

func TestAttachForceNewDropsThread(t *testing.T) {
	ts := &threadServer{}
	client, _ := newPipeClient(t, Config{}, ts.handle)

	b := &ThreadBinding{ThreadID: "kept", Generation: client.Generation(), ForceNew: true}
	res, err := client.AttachOrCreateThread(context.Background(), b)
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, "kept", res.DroppedThreadID)
	assert.Equal(t, "new-thread", res.ThreadID)
	assert.Empty(t, ts.resumed)
}

func TestStartTurnAndSteer(t *testing.T) {
	ts := &threadServer{}
	client, server := newPipeClient(t, Config{Model: "gpt-test"}, ts.handle)
	ctx := context.Background()

	turnID, err := client.StartTurn(ctx, "th", "hello")
	require.NoError(t, err)
	assert.Equal(t, "turn-1", turnID)

	msg := server.waitMethod(t, "turn/start")
	p := params(t, msg)
	assert.Equal(t, "th", p["threadId"])
	assert.Equal(t, "gpt-test", p["model"])
	input := p["input"].([]any)[0].(map[string]any)
	assert.Equal(t, "hello", input["text"])

	require.NoError(t, client.SteerTurn(ctx, "th", "turn-1", "more"))

	err = client.SteerTurn(ctx, "th", "turn-0", "stale")
	assert.ErrorIs(t, err, ErrSteerRejected)

	require.NoError(t, client.InterruptTurn(ctx, "th", "turn-1"))
}
