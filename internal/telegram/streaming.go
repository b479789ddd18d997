package telegram

import (
	"context"
	"sync"
	"time"
)

// Editor sends and edits chat messages.
type Editor interface {
	SendText(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, inline [][]InlineButton) error
}

type progressMessage struct {
	messageID int
	text      string
	updatedAt time.Time
}

// Progress keeps one in-place progress message per chat: the first snippet
// is sent, later snippets edit it.
type Progress struct {
	out         Editor
	minInterval time.Duration
	now         func() time.Time

	mu   sync.Mutex
	live map[int64]*progressMessage
}

// NewProgress creates a progress tracker. Updates closer together than
// minInterval are skipped.
func NewProgress(out Editor, minInterval time.Duration) *Progress {
	return &Progress{
		out:         out,
		minInterval: minInterval,
		now:         time.Now,
		live:        make(map[int64]*progressMessage),
	}
}

// Update shows text as the chat's progress snippet. It reports whether
// anything was sent or edited.
func (p *Progress) Update(ctx context.Context, chatID int64, text string) bool {
	if text == "" {
		return false
	}
	p.mu.Lock()
	cur := p.live[chatID]
	now := p.now()
	if cur != nil && (cur.text == text || now.Sub(cur.updatedAt) < p.minInterval) {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	if cur == nil {
		id, err := p.out.SendText(ctx, chatID, text, SendOptions{})
		if err != nil {
			return false
		}
		p.mu.Lock()
		p.live[chatID] = &progressMessage{messageID: id, text: text, updatedAt: now}
		p.mu.Unlock()
		return true
	}

	if err := p.out.EditMessageText(ctx, chatID, cur.messageID, text, nil); err != nil {
		return false
	}
	p.mu.Lock()
	cur.text = text
	cur.updatedAt = now
	p.mu.Unlock()
	return true
}

// Finish forgets the chat's progress message.
func (p *Progress) Finish(chatID int64) {
	p.mu.Lock()
	delete(p.live, chatID)
	p.mu.Unlock()
}

// Active returns the number of chats with a live progress message.
func (p *Progress) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}
