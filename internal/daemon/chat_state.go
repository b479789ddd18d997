package daemon

import (
	"sort"
	"strings"
	"time"

	"github.com/harun/sonolbot/internal/telegram"
	"github.com/harun/sonolbot/pkg/taskstore"
)

// UIMode is the per-chat control-flow state of the button menus.
type UIMode string

const (
	UIIdle                UIMode = "idle"
	UIAwaitResumeQuery    UIMode = "awaiting_resume_query"
	UIAwaitResumeChoice   UIMode = "awaiting_resume_choice"
	UIAwaitNewTaskInput   UIMode = "awaiting_new_task_input"
	UIAwaitTempDecision   UIMode = "awaiting_temp_task_decision"
	UIAwaitTaskGuideEdit  UIMode = "awaiting_task_guide_edit"
	UIAwaitBotRenameAlias UIMode = "awaiting_bot_rename_alias"
)

// UIState is the menu state of one chat.
type UIState struct {
	Mode       UIMode
	ExpiresAt  time.Time
	Seed       *telegram.Message
	Candidates []taskstore.Match
	// Choices maps callback data and button labels to task ids.
	Choices map[string]string
}

// ChatState is everything the worker remembers about one chat.
type ChatState struct {
	ChatID int64

	ThreadID         string
	ThreadGeneration int
	TaskID           string

	ActiveTurnID      string
	ActiveMessages    []telegram.Message
	LastTurnStartedAt time.Time
	LastLeaseTouchAt  time.Time

	QueuedMessages []telegram.Message

	ForceNewThreadOnce bool
	CarryOver          string
	ResumeThreadID     string
	ResumeTaskID       string
	ResumeContext      string
	RecentChatSummary  string

	DeltaText        string
	LastAgentMessage string
	FinalText        string
	streamed         map[string]struct{}
	progressLen      int

	FailedReplyText   string
	FailedReplyIDs    []int64
	FailedReplyTaskID string

	UI UIState
}

func newChatState(chatID int64) *ChatState {
	return &ChatState{ChatID: chatID, UI: UIState{Mode: UIIdle}}
}

// ActiveMessageIDs returns the ids folded into the running turn.
func (s *ChatState) ActiveMessageIDs() []int64 {
	return messageIDs(s.ActiveMessages)
}

// HasWork reports whether the chat needs attention even without new messages.
func (s *ChatState) HasWork() bool {
	return s.ActiveTurnID != "" || len(s.QueuedMessages) > 0 || s.FailedReplyText != ""
}

func (s *ChatState) coldStart() bool {
	return s.ThreadID == "" && s.ActiveTurnID == "" && len(s.QueuedMessages) == 0 &&
		!s.ForceNewThreadOnce && s.ResumeThreadID == "" && s.FailedReplyText == ""
}

func (s *ChatState) known(id int64) bool {
	for _, m := range s.ActiveMessages {
		if m.MessageID == id {
			return true
		}
	}
	for _, m := range s.QueuedMessages {
		if m.MessageID == id {
			return true
		}
	}
	for _, fid := range s.FailedReplyIDs {
		if fid == id {
			return true
		}
	}
	return false
}

func (s *ChatState) queue(msgs ...telegram.Message) {
	s.QueuedMessages = mergeMessages(s.QueuedMessages, msgs)
}

func (s *ChatState) markStreamed(text string) {
	if s.streamed == nil {
		s.streamed = make(map[string]struct{})
	}
	s.streamed[strings.TrimSpace(text)] = struct{}{}
}

func (s *ChatState) wasStreamed(text string) bool {
	_, ok := s.streamed[strings.TrimSpace(text)]
	return ok
}

// clearTurn drops per-turn fields; queued input and thread binding survive.
func (s *ChatState) clearTurn() {
	s.ActiveTurnID = ""
	s.ActiveMessages = nil
	s.LastTurnStartedAt = time.Time{}
	s.LastLeaseTouchAt = time.Time{}
	s.DeltaText = ""
	s.LastAgentMessage = ""
	s.FinalText = ""
	s.streamed = nil
	s.progressLen = 0
}

func (s *ChatState) clearFailedReply() {
	s.FailedReplyText = ""
	s.FailedReplyIDs = nil
	s.FailedReplyTaskID = ""
}

func (s *ChatState) resetUI() {
	s.UI = UIState{Mode: UIIdle}
}

// mergeMessages unions a and b by message id, ascending.
func mergeMessages(a, b []telegram.Message) []telegram.Message {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]telegram.Message, 0, len(a)+len(b))
	for _, list := range [][]telegram.Message{a, b} {
		for _, m := range list {
			if _, dup := seen[m.MessageID]; dup {
				continue
			}
			seen[m.MessageID] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

func messageIDs(msgs []telegram.Message) []int64 {
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.MessageID)
	}
	return ids
}
