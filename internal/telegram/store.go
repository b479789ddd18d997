package telegram

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/sonolbot/pkg/fsutil"
)

const defaultKeepProcessed = 500

type storeFile struct {
	LastUpdateID int       `json:"last_update_id"`
	Messages     []Message `json:"messages"`
}

// MessageStore is the JSON file of received and sent messages. It has a
// single writer (the worker).
type MessageStore struct {
	path          string
	keepProcessed int
	now           func() time.Time
	mu            sync.Mutex
}

// NewMessageStore opens the store at path; the file is created on first write.
func NewMessageStore(path string) *MessageStore {
	return &MessageStore{path: path, keepProcessed: defaultKeepProcessed, now: time.Now}
}

// Path returns the store file path.
func (s *MessageStore) Path() string {
	return s.path
}

func (s *MessageStore) load() (storeFile, error) {
	var f storeFile
	if _, err := fsutil.ReadJSON(s.path, &f); err != nil {
		return storeFile{}, fmt.Errorf("load message store: %w", err)
	}
	return f, nil
}

func (s *MessageStore) save(f storeFile) error {
	f.Messages = s.trim(f.Messages)
	if err := fsutil.WriteJSONAtomic(s.path, f); err != nil {
		return fmt.Errorf("save message store: %w", err)
	}
	return nil
}

// trim keeps every pending row and the newest processed ones.
func (s *MessageStore) trim(msgs []Message) []Message {
	done := 0
	for _, m := range msgs {
		if m.Processed || m.IsBot {
			done++
		}
	}
	drop := done - s.keepProcessed
	if drop <= 0 {
		return msgs
	}
	out := make([]Message, 0, len(msgs)-drop)
	for _, m := range msgs {
		if drop > 0 && (m.Processed || m.IsBot) {
			drop--
			continue
		}
		out = append(out, m)
	}
	return out
}

// LastUpdateID returns the highest Telegram update id already ingested.
func (s *MessageStore) LastUpdateID() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return 0, err
	}
	return f.LastUpdateID, nil
}

// Append adds user messages not already stored and advances the update
// offset. It returns how many rows were new.
func (s *MessageStore) Append(lastUpdateID int, msgs []Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return 0, err
	}

	seen := make(map[[2]int64]struct{}, len(f.Messages))
	for _, m := range f.Messages {
		if !m.IsBot {
			seen[[2]int64{m.ChatID, m.MessageID}] = struct{}{}
		}
	}
	added := 0
	for _, m := range msgs {
		key := [2]int64{m.ChatID, m.MessageID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if m.Timestamp.IsZero() {
			m.Timestamp = s.now()
		}
		f.Messages = append(f.Messages, m)
		added++
	}
	if lastUpdateID > f.LastUpdateID {
		f.LastUpdateID = lastUpdateID
	}
	if added == 0 && lastUpdateID <= 0 {
		return 0, nil
	}
	return added, s.save(f)
}

// Pending returns unprocessed rows in arrival order.
func (s *MessageStore) Pending(includeBot bool) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range f.Messages {
		if m.Processed || (m.IsBot && !includeBot) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// SaveBotResponse records an outgoing reply.
func (s *MessageStore) SaveBotResponse(chatID int64, text string, replyTo []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	ids := append([]int64(nil), replyTo...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	f.Messages = append(f.Messages, Message{
		ChatID:    chatID,
		Text:      text,
		IsBot:     true,
		ReplyTo:   ids,
		Processed: true,
		Timestamp: s.now(),
	})
	return s.save(f)
}

// MarkProcessed flags the given user message ids and returns how many
// rows changed.
func (s *MessageStore) MarkProcessed(ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range f.Messages {
		m := &f.Messages[i]
		if m.IsBot || m.Processed {
			continue
		}
		if _, ok := want[m.MessageID]; ok {
			m.Processed = true
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, s.save(f)
}
