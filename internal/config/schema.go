package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// BotRowSchema is the JSON Schema every bot row must satisfy.
const BotRowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["bot_id", "token"],
  "properties": {
    "bot_id":       {"type": "string", "minLength": 1, "pattern": "^[0-9A-Za-z_.-]+$"},
    "token":        {"type": "string", "minLength": 1},
    "bot_username": {"type": "string"},
    "bot_name":     {"type": "string"},
    "alias":        {"type": "string", "maxLength": 64},
    "memo":         {"type": "string"},
    "active":       {"type": "boolean"},
    "updated_at":   {"type": "string"}
  }
}`

var (
	botRowSchema = mustCompileSchema(BotRowSchema)

	telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)
)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile bot row schema: %v", err))
	}
	return schema
}

// ValidateBotRow validates one encoded bot row against BotRowSchema.
func ValidateBotRow(row []byte) error {
	result, err := botRowSchema.Validate(gojsonschema.NewBytesLoader(row))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBot, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidBot, strings.Join(msgs, "; "))
	}
	return nil
}

// ValidateTelegramToken checks the <bot_id>:<secret> token shape.
func ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

// BotIDFromToken returns the numeric prefix of a Telegram token, which is
// the id getMe reports for the bot.
func BotIDFromToken(token string) string {
	head, _, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok {
		return ""
	}
	return head
}
