package telegram

import (
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// fromUpdate converts an update into a store row. ok is false for updates
// the worker does not consume (edits, channel posts, bot senders).
func fromUpdate(update tgbotapi.Update) (Message, bool) {
	if cb := update.CallbackQuery; cb != nil {
		if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
			return Message{}, false
		}
		return Message{
			MessageID:    -int64(update.UpdateID),
			ChatID:       cb.Message.Chat.ID,
			UserID:       cb.From.ID,
			Username:     cb.From.UserName,
			Text:         cb.Data,
			CallbackID:   cb.ID,
			CallbackData: cb.Data,
			Timestamp:    time.Now(),
		}, true
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return Message{}, false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	out := Message{
		MessageID: int64(msg.MessageID),
		ChatID:    msg.Chat.ID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		Text:      strings.TrimSpace(text),
		Files:     attachmentsOf(msg),
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if msg.Date == 0 {
		out.Timestamp = time.Now()
	}
	if msg.Location != nil {
		out.Location = &Location{Latitude: msg.Location.Latitude, Longitude: msg.Location.Longitude}
	}
	if out.Text == "" && len(out.Files) == 0 && out.Location == nil {
		return Message{}, false
	}
	return out, true
}

// attachmentsOf lists the media on a message; only the largest photo size
// is kept.
func attachmentsOf(msg *tgbotapi.Message) []File {
	var files []File
	if n := len(msg.Photo); n > 0 {
		files = append(files, File{Type: "photo", FileID: msg.Photo[n-1].FileID})
	}
	if msg.Document != nil {
		files = append(files, File{Type: "document", FileID: msg.Document.FileID, FileName: msg.Document.FileName})
	}
	if msg.Video != nil {
		files = append(files, File{Type: "video", FileID: msg.Video.FileID})
	}
	if msg.Audio != nil {
		files = append(files, File{Type: "audio", FileID: msg.Audio.FileID})
	}
	if msg.Voice != nil {
		files = append(files, File{Type: "voice", FileID: msg.Voice.FileID})
	}
	return files
}
