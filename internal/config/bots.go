// Package config owns the bots configuration file and the environment-backed
// runtime settings shared by the supervisor and its workers.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sonolbot/pkg/fsutil"
)

const (
	// BotsConfigVersion is written to every saved bots file.
	BotsConfigVersion = 1
	// DefaultBotsConfigName is the file name under the root directory.
	DefaultBotsConfigName = ".control_panel_telegram_bots.json"

	updatedAtLayout = "2006-01-02 15:04:05"
	storeLockWait   = 2 * time.Second
)

var (
	// ErrImmutableTokenChange is returned when an upsert would change the token of a stored bot_id.
	ErrImmutableTokenChange = errors.New("bot token is immutable; remove the bot and add it again")
	// ErrBotNotFound is returned when a bot_id is not in the file.
	ErrBotNotFound = errors.New("bot not found")
	// ErrInvalidBot is returned when a row fails schema validation.
	ErrInvalidBot = errors.New("invalid bot entry")
)

// Bot is one row of the bots file.
type Bot struct {
	BotID       string `json:"bot_id"`
	Token       string `json:"token"`
	BotUsername string `json:"bot_username"`
	BotName     string `json:"bot_name"`
	Alias       string `json:"alias"`
	Memo        string `json:"memo"`
	Active      bool   `json:"active"`
	UpdatedAt   string `json:"updated_at"`
}

// DisplayName prefers the alias, then the bot name, then @username.
func (b Bot) DisplayName() string {
	switch {
	case strings.TrimSpace(b.Alias) != "":
		return strings.TrimSpace(b.Alias)
	case strings.TrimSpace(b.BotName) != "":
		return strings.TrimSpace(b.BotName)
	case strings.TrimSpace(b.BotUsername) != "":
		return "@" + strings.TrimPrefix(strings.TrimSpace(b.BotUsername), "@")
	default:
		return b.BotID
	}
}

// BotsConfig is the whole bots file.
type BotsConfig struct {
	Version            int     `json:"version"`
	AllowedUsersGlobal []int64 `json:"allowed_users_global"`
	Bots               []Bot   `json:"bots"`

	// rejected holds rows that failed validation on load. They are written
	// back verbatim and still pin their bot_id to their token.
	rejected []json.RawMessage
}

// rowIdentity is the part of a row needed to enforce token immutability,
// decoded leniently so it works on rows that fail the schema.
type rowIdentity struct {
	BotID string `json:"bot_id"`
	Token string `json:"token"`
}

func identityOf(row json.RawMessage) (rowIdentity, bool) {
	var id rowIdentity
	if err := json.Unmarshal(row, &id); err != nil {
		return rowIdentity{}, false
	}
	id.BotID = strings.TrimSpace(id.BotID)
	id.Token = strings.TrimSpace(id.Token)
	return id, id.BotID != ""
}

// Rejected returns the number of rows kept aside because they failed validation.
func (c *BotsConfig) Rejected() int {
	return len(c.rejected)
}

// dropRejected removes rejected rows carrying botID.
func (c *BotsConfig) dropRejected(botID string) bool {
	kept := c.rejected[:0]
	dropped := false
	for _, row := range c.rejected {
		if id, ok := identityOf(row); ok && id.BotID == botID {
			dropped = true
			continue
		}
		kept = append(kept, row)
	}
	c.rejected = kept
	return dropped
}

// pinnedToken returns the token a rejected row holds for botID.
func (c *BotsConfig) pinnedToken(botID string) (string, bool) {
	for _, row := range c.rejected {
		if id, ok := identityOf(row); ok && id.BotID == botID {
			return id.Token, true
		}
	}
	return "", false
}

// DefaultBotsConfig is what Load returns for a missing file.
func DefaultBotsConfig() *BotsConfig {
	return &BotsConfig{
		Version:            BotsConfigVersion,
		AllowedUsersGlobal: []int64{},
		Bots:               []Bot{},
	}
}

// Find returns the row for botID.
func (c *BotsConfig) Find(botID string) (Bot, bool) {
	for _, b := range c.Bots {
		if b.BotID == botID {
			return b, true
		}
	}
	return Bot{}, false
}

type rawBotsConfig struct {
	Version            int               `json:"version"`
	AllowedUsersGlobal []json.Number     `json:"allowed_users_global"`
	Bots               []json.RawMessage `json:"bots"`
}

type rawBotsFile struct {
	Version            int               `json:"version"`
	AllowedUsersGlobal []int64           `json:"allowed_users_global"`
	Bots               []json.RawMessage `json:"bots"`
}

// Store reads and mutates the bots file.
type Store struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a store for the file at path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "config").Logger(),
		now:    time.Now,
	}
}

// Path returns the bots file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

// Load reads the bots file. A missing file yields the defaults; rows that
// fail schema validation are left out of Bots with a warning but kept for Save.
func (s *Store) Load() (*BotsConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultBotsConfig(), nil
		}
		return nil, fmt.Errorf("read bots config: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return DefaultBotsConfig(), nil
	}

	var raw rawBotsConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse bots config: %w", err)
	}

	cfg := DefaultBotsConfig()
	if raw.Version > 0 {
		cfg.Version = raw.Version
	}

	users := make([]int64, 0, len(raw.AllowedUsersGlobal))
	for _, n := range raw.AllowedUsersGlobal {
		id, err := n.Int64()
		if err != nil {
			s.logger.Warn().Str("value", n.String()).Msg("Ignoring non-integer allowed user")
			continue
		}
		users = append(users, id)
	}
	cfg.AllowedUsersGlobal = NormalizeUserIDs(users)

	seen := make(map[string]bool, len(raw.Bots))
	for i, row := range raw.Bots {
		if err := ValidateBotRow(row); err != nil {
			s.logger.Warn().Int("row", i).Err(err).Msg("Ignoring invalid bot row")
			cfg.rejected = append(cfg.rejected, row)
			continue
		}
		var bot Bot
		if err := json.Unmarshal(row, &bot); err != nil {
			s.logger.Warn().Int("row", i).Err(err).Msg("Ignoring undecodable bot row")
			cfg.rejected = append(cfg.rejected, row)
			continue
		}
		bot = normalizeBot(bot)
		if seen[bot.BotID] {
			s.logger.Warn().Str("bot_id", bot.BotID).Msg("Ignoring duplicate bot row")
			cfg.rejected = append(cfg.rejected, row)
			continue
		}
		seen[bot.BotID] = true
		cfg.Bots = append(cfg.Bots, bot)
	}

	return cfg, nil
}

// Save writes cfg atomically. Rows rejected by Load are appended unchanged.
func (s *Store) Save(cfg *BotsConfig) error {
	out := rawBotsFile{
		Version:            BotsConfigVersion,
		AllowedUsersGlobal: cfg.AllowedUsersGlobal,
		Bots:               make([]json.RawMessage, 0, len(cfg.Bots)+len(cfg.rejected)),
	}
	if out.AllowedUsersGlobal == nil {
		out.AllowedUsersGlobal = []int64{}
	}
	for _, b := range cfg.Bots {
		row, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode bot %s: %w", b.BotID, err)
		}
		out.Bots = append(out.Bots, row)
	}
	out.Bots = append(out.Bots, cfg.rejected...)
	if err := fsutil.WriteJSONAtomic(s.path, &out); err != nil {
		return fmt.Errorf("save bots config: %w", err)
	}
	return nil
}

// update runs a read-modify-write cycle under the store lock.
func (s *Store) update(ctx context.Context, fn func(cfg *BotsConfig) error) error {
	return fsutil.WithLock(ctx, s.lockPath(), storeLockWait, func() error {
		cfg, err := s.Load()
		if err != nil {
			return err
		}
		if err := fn(cfg); err != nil {
			return err
		}
		return s.Save(cfg)
	})
}

// Upsert inserts bot or updates its mutable fields. The token of an existing
// bot_id never changes; a different token yields ErrImmutableTokenChange.
func (s *Store) Upsert(ctx context.Context, bot Bot) error {
	bot = normalizeBot(bot)
	bot.UpdatedAt = s.now().Format(updatedAtLayout)

	data, err := json.Marshal(bot)
	if err != nil {
		return fmt.Errorf("encode bot: %w", err)
	}
	if err := ValidateBotRow(data); err != nil {
		return err
	}
	if err := ValidateTelegramToken(bot.Token); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBot, err)
	}

	return s.update(ctx, func(cfg *BotsConfig) error {
		for i, existing := range cfg.Bots {
			if existing.BotID != bot.BotID {
				continue
			}
			if existing.Token != bot.Token {
				return fmt.Errorf("%w: bot_id=%s", ErrImmutableTokenChange, bot.BotID)
			}
			cfg.Bots[i] = bot
			return nil
		}
		// A rejected row still owns its bot_id; a valid upsert with the
		// same token replaces it.
		if token, ok := cfg.pinnedToken(bot.BotID); ok {
			if token != bot.Token {
				return fmt.Errorf("%w: bot_id=%s", ErrImmutableTokenChange, bot.BotID)
			}
			cfg.dropRejected(bot.BotID)
		}
		cfg.Bots = append(cfg.Bots, bot)
		return nil
	})
}

// Remove deletes the row for botID.
func (s *Store) Remove(ctx context.Context, botID string) error {
	botID = strings.TrimSpace(botID)
	return s.update(ctx, func(cfg *BotsConfig) error {
		found := cfg.dropRejected(botID)
		for i, existing := range cfg.Bots {
			if existing.BotID == botID {
				cfg.Bots = append(cfg.Bots[:i], cfg.Bots[i+1:]...)
				return nil
			}
		}
		if found {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	})
}

// SetAllowedUsers replaces the global allow-list.
func (s *Store) SetAllowedUsers(ctx context.Context, ids []int64) error {
	return s.update(ctx, func(cfg *BotsConfig) error {
		cfg.AllowedUsersGlobal = NormalizeUserIDs(ids)
		return nil
	})
}

// SetActive toggles a bot without touching its token.
func (s *Store) SetActive(ctx context.Context, botID string, active bool) error {
	return s.mutateBot(ctx, botID, func(b *Bot) { b.Active = active })
}

// SetAlias renames a bot's display alias.
func (s *Store) SetAlias(ctx context.Context, botID, alias string) error {
	alias = strings.TrimSpace(alias)
	return s.mutateBot(ctx, botID, func(b *Bot) { b.Alias = alias })
}

func (s *Store) mutateBot(ctx context.Context, botID string, fn func(b *Bot)) error {
	botID = strings.TrimSpace(botID)
	return s.update(ctx, func(cfg *BotsConfig) error {
		for i := range cfg.Bots {
			if cfg.Bots[i].BotID == botID {
				bot := cfg.Bots[i]
				fn(&bot)
				bot.UpdatedAt = s.now().Format(updatedAtLayout)
				row, err := json.Marshal(bot)
				if err != nil {
					return fmt.Errorf("encode bot: %w", err)
				}
				if err := ValidateBotRow(row); err != nil {
					return err
				}
				cfg.Bots[i] = bot
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	})
}

// ActiveBots returns the rows a supervisor should run. Without a global
// allow-list no bot is runnable.
func ActiveBots(cfg *BotsConfig) []Bot {
	if cfg == nil || len(cfg.AllowedUsersGlobal) == 0 {
		return nil
	}
	var out []Bot
	for _, b := range cfg.Bots {
		if !b.Active || strings.TrimSpace(b.BotID) == "" || strings.TrimSpace(b.Token) == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}

// NormalizeUserIDs keeps positive ids, sorted and unique.
func NormalizeUserIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalizeBot(b Bot) Bot {
	b.BotID = strings.TrimSpace(b.BotID)
	b.Token = strings.TrimSpace(b.Token)
	b.BotUsername = strings.TrimPrefix(strings.TrimSpace(b.BotUsername), "@")
	b.BotName = strings.TrimSpace(b.BotName)
	b.Alias = strings.TrimSpace(b.Alias)
	b.Memo = strings.TrimSpace(b.Memo)
	return b
}
