package appserver

import (
	"encoding/json"
	"strings"
	"time"
)

// Notification methods the orchestrator acts on.
const (
	MethodTurnStarted    = "turn/started"
	MethodAgentDelta     = "item/agentMessage/delta"
	MethodItemCompleted  = "item/completed"
	MethodAgentMessage   = "codex/event/agent_message"
	MethodTaskComplete   = "codex/event/task_complete"
	MethodTurnCompleted  = "turn/completed"
	TurnStatusCompleted  = "completed"
	agentMessageItemType = "agentMessage"
)

// EventKind classifies a notification.
type EventKind string

const (
	EventTurnStarted   EventKind = "turn_started"
	EventAgentDelta    EventKind = "agent_delta"
	EventItemCompleted EventKind = "item_completed"
	EventAgentMessage  EventKind = "agent_message"
	EventTaskComplete  EventKind = "task_complete"
	EventTurnCompleted EventKind = "turn_completed"
	EventOther         EventKind = "other"
)

// Event is a parsed notification.
type Event struct {
	Kind       EventKind
	Method     string
	ThreadID   string
	TurnID     string
	ItemType   string
	Text       string
	Status     string
	ErrorText  string
	Params     json.RawMessage
	ReceivedAt time.Time
}

// Completed reports whether a turn/completed event finished successfully.
func (e Event) Completed() bool {
	return e.Kind == EventTurnCompleted && strings.EqualFold(e.Status, TurnStatusCompleted)
}

// ParseEvent extracts the fields the orchestrator needs. Unknown methods
// yield EventOther.
func ParseEvent(method string, params json.RawMessage) Event {
	ev := Event{Method: method, Params: params, ReceivedAt: time.Now(), Kind: EventOther}

	var p map[string]any
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	msg := asMap(p["msg"])
	turn := asMap(p["turn"])
	item := asMap(p["item"])

	ev.ThreadID = firstString(p["threadId"], p["thread_id"], p["conversationId"], msg["thread_id"], msg["conversation_id"])
	ev.TurnID = firstString(p["turnId"], p["turn_id"], turn["id"], msg["turn_id"])

	switch method {
	case MethodTurnStarted:
		ev.Kind = EventTurnStarted
	case MethodAgentDelta:
		ev.Kind = EventAgentDelta
		ev.Text = firstString(p["delta"], p["text"])
	case MethodItemCompleted:
		ev.Kind = EventItemCompleted
		ev.ItemType = firstString(item["type"])
		ev.Text = firstString(item["text"])
	case MethodAgentMessage:
		ev.Kind = EventAgentMessage
		ev.Text = firstString(msg["message"], p["message"])
		if ev.TurnID == "" {
			ev.TurnID = firstString(p["id"])
		}
	case MethodTaskComplete:
		ev.Kind = EventTaskComplete
		ev.Text = firstString(msg["last_agent_message"], p["last_agent_message"], p["lastAgentMessage"])
		if ev.TurnID == "" {
			ev.TurnID = firstString(p["id"])
		}
	case MethodTurnCompleted:
		ev.Kind = EventTurnCompleted
		ev.Status = firstString(turn["status"], p["status"])
		if errObj := asMap(turn["error"]); errObj != nil {
			ev.ErrorText = firstString(errObj["message"])
		}
	}
	return ev
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func firstString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// AgentMessageItem reports whether an item/completed event carries an agent message.
func (e Event) AgentMessageItem() bool {
	return e.Kind == EventItemCompleted && e.ItemType == agentMessageItemType
}
