package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sonolbot/internal/config"
)

const testToken = "123456:ABCDEFGHIJ"

func loadBots(t *testing.T, root string) *config.BotsConfig {
	t.Helper()
	cfg, err := config.NewStore(filepath.Join(root, config.DefaultBotsConfigName), zerolog.Nop()).Load()
	require.NoError(t, err)
	return cfg
}

func TestBotsUpsertAndList(t *testing.T) {
	root := t.TempDir()

	output, err := execute(t, "--root", root, "bots", "upsert", "--token", testToken, "--name", "Helper")
	require.NoError(t, err)
	assert.Contains(t, output, "Added bot 123456 (Helper)")

	output, err = execute(t, "--root", root, "bots", "upsert", "--token", testToken, "--alias", "Sonol")
	require.NoError(t, err)
	assert.Contains(t, output, "Updated bot 123456 (Sonol)")

	bot, ok := loadBots(t, root).Find("123456")
	require.True(t, ok)
	assert.Equal(t, "Helper", bot.BotName, "unchanged fields are kept")
	assert.Equal(t, "Sonol", bot.Alias)
	assert.True(t, bot.Active)

	output, err = execute(t, "--root", root, "bots", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "123456")
	assert.Contains(t, output, "Sonol")
	assert.Contains(t, output, "123456:****GHIJ")
	assert.NotContains(t, output, testToken)
}

func TestBotsUpsertRejectsTokenChange(t *testing.T) {
	root := t.TempDir()
	_, err := execute(t, "--root", root, "bots", "upsert", "--token", testToken)
	require.NoError(t, err)

	_, err = execute(t, "--root", root, "bots", "upsert", "--token", "123456:OTHERTOKEN", "--id", "123456")
	assert.ErrorIs(t, err, config.ErrImmutableTokenChange)

	bot, _ := loadBots(t, root).Find("123456")
	assert.Equal(t, testToken, bot.Token)
}

func TestBotsUpsertInactive(t *testing.T) {
	root := t.TempDir()
	_, err := execute(t, "--root", root, "bots", "upsert", "--token", testToken, "--active=false")
	require.NoError(t, err)

	bot, _ := loadBots(t, root).Find("123456")
	assert.False(t, bot.Active)
}

func TestBotsUpsertRequiresToken(t *testing.T) {
	_, err := execute(t, "--root", t.TempDir(), "bots", "upsert")
	assert.Error(t, err)
}

func TestBotsRemove(t *testing.T) {
	root := t.TempDir()
	_, err := execute(t, "--root", root, "bots", "upsert", "--token", testToken)
	require.NoError(t, err)

	output, err := execute(t, "--root", root, "bots", "remove", "123456")
	require.NoError(t, err)
	assert.Contains(t, output, "Removed bot 123456")
	assert.Empty(t, loadBots(t, root).Bots)

	_, err = execute(t, "--root", root, "bots", "remove", "123456")
	assert.ErrorIs(t, err, config.ErrBotNotFound)
}

func TestBotsAllow(t *testing.T) {
	root := t.TempDir()

	output, err := execute(t, "--root", root, "bots", "allow", "42", "7", "42")
	require.NoError(t, err)
	assert.Contains(t, output, "Allowed users: 7,42")
	assert.Equal(t, []int64{7, 42}, loadBots(t, root).AllowedUsersGlobal)

	_, err = execute(t, "--root", root, "bots", "allow", "abc")
	assert.Error(t, err)
}

func TestBotsListJSONMasksTokens(t *testing.T) {
	root := t.TempDir()
	_, err := execute(t, "--root", root, "bots", "upsert", "--token", testToken)
	require.NoError(t, err)

	output, err := execute(t, "--root", root, "bots", "list", "--json")
	require.NoError(t, err)

	var cfg config.BotsConfig
	require.NoError(t, json.Unmarshal([]byte(output), &cfg))
	require.Len(t, cfg.Bots, 1)
	assert.Equal(t, "123456:****GHIJ", cfg.Bots[0].Token)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "1:****wxyz", maskToken("1:abcdefwxyz"))
	assert.Equal(t, "****", maskToken("short"))
	assert.Equal(t, "****", maskToken("1:abc"))
}
