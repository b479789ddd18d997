package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateBotRow(t *testing.T) {
	tests := []struct {
		name  string
		row   string
		valid bool
	}{
		{"minimal", `{"bot_id":"123","token":"123:abc"}`, true},
		{"full", `{"bot_id":"123","token":"123:abc","bot_username":"x","bot_name":"y","alias":"z","memo":"","active":true,"updated_at":"2026-01-01 00:00:00"}`, true},
		{"missing token", `{"bot_id":"123"}`, false},
		{"empty id", `{"bot_id":"","token":"t"}`, false},
		{"slash in id", `{"bot_id":"../x","token":"t"}`, false},
		{"active not bool", `{"bot_id":"1","token":"t","active":1}`, false},
		{"not an object", `[1,2]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBotRow([]byte(tt.row))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidBot)
			}
		})
	}
}

func TestValidateTelegramToken(t *testing.T) {
	assert.NoError(t, ValidateTelegramToken(tokenA))
	assert.Error(t, ValidateTelegramToken(""))
	assert.Error(t, ValidateTelegramToken("abc:def"))
	assert.Error(t, ValidateTelegramToken("123456"))
}

func TestBotIDFromToken(t *testing.T) {
	assert.Equal(t, "111111111", BotIDFromToken(tokenA))
	assert.Equal(t, "", BotIDFromToken("garbage"))
}
