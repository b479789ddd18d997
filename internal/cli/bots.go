package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/sonolbot/internal/config"
)

var botsCmd = &cobra.Command{
	Use:   "bots",
	Short: "Manage the bots file",
}

var botsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured bots",
	Args:  cobra.NoArgs,
	RunE:  runBotsList,
}

var botsUpsertCmd = &cobra.Command{
	Use:   "upsert",
	Short: "Add a bot or update its mutable fields",
	Long: `Add a bot or update its mutable fields. The bot id defaults to the
numeric prefix of the token. The token of an existing bot id cannot change;
remove the bot first to rotate it.`,
	Args: cobra.NoArgs,
	RunE: runBotsUpsert,
}

var botsRemoveCmd = &cobra.Command{
	Use:   "remove <bot_id>",
	Short: "Remove a bot",
	Args:  cobra.ExactArgs(1),
	RunE:  runBotsRemove,
}

var botsAllowCmd = &cobra.Command{
	Use:   "allow <user_id>...",
	Short: "Replace the global allow-list of Telegram user ids",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBotsAllow,
}

var botsListJSON bool

func init() {
	botsListCmd.Flags().BoolVar(&botsListJSON, "json", false, "print the bots file as JSON with tokens masked")

	f := botsUpsertCmd.Flags()
	f.String("token", "", "Telegram bot token (required)")
	f.String("id", "", "bot id (default is the token prefix)")
	f.String("username", "", "bot @username")
	f.String("name", "", "bot display name")
	f.String("alias", "", "alias shown in menus")
	f.String("memo", "", "operator memo")
	f.Bool("active", true, "whether the supervisor runs this bot")
	_ = botsUpsertCmd.MarkFlagRequired("token")

	botsCmd.AddCommand(botsListCmd)
	botsCmd.AddCommand(botsUpsertCmd)
	botsCmd.AddCommand(botsRemoveCmd)
	botsCmd.AddCommand(botsAllowCmd)
	rootCmd.AddCommand(botsCmd)
}

func loadBotStore() (*config.Store, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return config.NewStore(settings.BotsConfig, zerolog.Nop()), nil
}

func maskToken(token string) string {
	head, secret, ok := strings.Cut(token, ":")
	if !ok || len(secret) <= 4 {
		return "****"
	}
	return head + ":****" + secret[len(secret)-4:]
}

func runBotsList(cmd *cobra.Command, args []string) error {
	store, err := loadBotStore()
	if err != nil {
		return err
	}
	cfg, err := store.Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if botsListJSON {
		masked := *cfg
		masked.Bots = make([]config.Bot, len(cfg.Bots))
		for i, b := range cfg.Bots {
			b.Token = maskToken(b.Token)
			masked.Bots[i] = b
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(masked)
	}

	fmt.Fprintf(out, "Allowed users: %s\n", orNone(config.FormatUserIDs(cfg.AllowedUsersGlobal)))
	if len(cfg.Bots) == 0 {
		fmt.Fprintln(out, "No bots configured.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BOT_ID\tNAME\tACTIVE\tTOKEN\tUPDATED")
	for _, b := range cfg.Bots {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", b.BotID, b.DisplayName(), b.Active, maskToken(b.Token), b.UpdatedAt)
	}
	return tw.Flush()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func runBotsUpsert(cmd *cobra.Command, args []string) error {
	store, err := loadBotStore()
	if err != nil {
		return err
	}
	f := cmd.Flags()
	token, _ := f.GetString("token")
	token = strings.TrimSpace(token)
	botID, _ := f.GetString("id")
	if strings.TrimSpace(botID) == "" {
		botID = config.BotIDFromToken(token)
	}
	if strings.TrimSpace(botID) == "" {
		return fmt.Errorf("%w: cannot derive bot id from token", config.ErrInvalidBot)
	}

	cfg, err := store.Load()
	if err != nil {
		return err
	}
	bot, exists := cfg.Find(strings.TrimSpace(botID))
	if !exists {
		bot = config.Bot{BotID: botID, Active: true}
	}
	bot.Token = token
	for name, dst := range map[string]*string{
		"username": &bot.BotUsername,
		"name":     &bot.BotName,
		"alias":    &bot.Alias,
		"memo":     &bot.Memo,
	} {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	if f.Changed("active") || !exists {
		bot.Active, _ = f.GetBool("active")
	}

	if err := store.Upsert(cmd.Context(), bot); err != nil {
		return err
	}
	verb := "Added"
	if exists {
		verb = "Updated"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s bot %s (%s)\n", verb, bot.BotID, bot.DisplayName())
	return nil
}

func runBotsRemove(cmd *cobra.Command, args []string) error {
	store, err := loadBotStore()
	if err != nil {
		return err
	}
	botID := strings.TrimSpace(args[0])
	if err := store.Remove(cmd.Context(), botID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed bot %s\n", botID)
	return nil
}

func runBotsAllow(cmd *cobra.Command, args []string) error {
	store, err := loadBotStore()
	if err != nil {
		return err
	}
	ids, err := config.ParseUserIDs(strings.Join(args, ","))
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("at least one positive user id is required")
	}
	if err := store.SetAllowedUsers(cmd.Context(), ids); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Allowed users: %s\n", config.FormatUserIDs(ids))
	return nil
}
