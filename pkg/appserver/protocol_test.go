package appserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIncoming(t *testing.T) {
	in, err := decodeIncoming([]byte(`{"id":7,"result":{"ok":true}}`))
	require.NoError(t, err)
	assert.Equal(t, KindResponse, in.Kind)
	assert.Equal(t, int64(7), in.ID)

	in, err = decodeIncoming([]byte(`{"id":"abc","method":"item/tool/call","params":{}}`))
	require.NoError(t, err)
	assert.Equal(t, KindServerRequest, in.Kind)
	assert.Equal(t, `"abc"`, string(in.RawID))

	in, err = decodeIncoming([]byte(`{"method":"turn/started","params":{"threadId":"t"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindNotification, in.Kind)

	in, err = decodeIncoming([]byte(`{"id":3,"error":{"code":-1,"message":"boom"}}`))
	require.NoError(t, err)
	require.NotNil(t, in.Error)
	assert.Equal(t, "boom", in.Error.Message)

	_, err = decodeIncoming([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = decodeIncoming([]byte(`{"id":null}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestOutgoingOmitsJSONRPCField(t *testing.T) {
	id := int64(4)
	data, err := json.Marshal(outgoing{ID: &id, Method: "thread/start"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"method":"thread/start"}`, string(data))

	data, err = json.Marshal(outgoing{Method: "initialized"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"initialized"}`, string(data))
}

func TestParseEvent(t *testing.T) {
	ev := ParseEvent(MethodTurnCompleted, json.RawMessage(`{"threadId":"th","turn":{"id":"tu","status":"failed","error":{"message":"quota"}}}`))
	assert.Equal(t, EventTurnCompleted, ev.Kind)
	assert.Equal(t, "th", ev.ThreadID)
	assert.Equal(t, "tu", ev.TurnID)
	assert.False(t, ev.Completed())
	assert.Equal(t, "quota", ev.ErrorText)

	ev = ParseEvent(MethodItemCompleted, json.RawMessage(`{"threadId":"th","turnId":"tu","item":{"type":"agentMessage","text":"done"}}`))
	assert.True(t, ev.AgentMessageItem())
	assert.Equal(t, "done", ev.Text)

	ev = ParseEvent(MethodAgentMessage, json.RawMessage(`{"id":"tu","conversationId":"th","msg":{"message":"hi"}}`))
	assert.Equal(t, EventAgentMessage, ev.Kind)
	assert.Equal(t, "th", ev.ThreadID)
	assert.Equal(t, "tu", ev.TurnID)
	assert.Equal(t, "hi", ev.Text)

	ev = ParseEvent("account/updated", nil)
	assert.Equal(t, EventOther, ev.Kind)
}

func TestDefaultPolicy(t *testing.T) {
	result, known := DefaultPolicy.Resolve(MethodFileChangeApproval, nil)
	assert.True(t, known)
	assert.Equal(t, map[string]any{"decision": "accept"}, result)

	result, known = DefaultPolicy.Resolve(MethodToolCall, json.RawMessage(`{}`))
	assert.True(t, known)
	assert.Equal(t, false, result.(map[string]any)["success"])

	result, known = DefaultPolicy.Resolve(MethodRequestUserInput, json.RawMessage(`{"questions":[{"id":"q","options":[]}]}`))
	assert.True(t, known)
	answers := result.(map[string]any)["answers"].(map[string]userInputAnswer)
	assert.Equal(t, []string{"confirm"}, answers["q"].Answers)

	_, known = DefaultPolicy.Resolve("unknown/thing", nil)
	assert.False(t, known)
}
