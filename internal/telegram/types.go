package telegram

import "time"

// File is an attachment hint; the payload itself stays on Telegram.
type File struct {
	Type     string `json:"type"`
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
}

// Location is a shared map point.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Message is one row of the message store. Callback queries are stored with
// negative ids derived from the update id.
type Message struct {
	MessageID    int64     `json:"message_id"`
	ChatID       int64     `json:"chat_id"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	Text         string    `json:"text"`
	Files        []File    `json:"files,omitempty"`
	Location     *Location `json:"location,omitempty"`
	CallbackID   string    `json:"callback_id,omitempty"`
	CallbackData string    `json:"callback_data,omitempty"`
	IsBot        bool      `json:"is_bot,omitempty"`
	ReplyTo      []int64   `json:"reply_to,omitempty"`
	Processed    bool      `json:"processed"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsCallback reports whether the row came from an inline button press.
func (m Message) IsCallback() bool {
	return m.CallbackID != "" || m.CallbackData != ""
}

// InlineButton is one inline keyboard button.
type InlineButton struct {
	Text string
	Data string
}

// SendOptions decorates an outgoing message.
type SendOptions struct {
	Keyboard       [][]string
	Inline         [][]InlineButton
	RemoveKeyboard bool
	ParseMode      string
	ReplyTo        int64
}
