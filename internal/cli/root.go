// Package cli implements the sonolbot command line.
package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/harun/sonolbot/internal/config"
)

const version = "0.1.0"

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// ErrInterrupted is returned by long-running commands stopped by SIGINT or SIGTERM.
var ErrInterrupted = errors.New("interrupted")

var settingsViper = config.NewViper()

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sonolbot",
	Short: "Sonolbot - Telegram bots backed by codex app-server",
	Long: `Sonolbot runs one worker per configured Telegram bot. Each worker
forwards chat messages to a codex app-server child and keeps per-chat task
memory on disk. The supervisor keeps the workers running.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

func init() {
	rootCmd.PersistentFlags().String("root", "", "working root holding the bots file and workspaces (default is the current directory)")
	rootCmd.PersistentFlags().String("bots-config", "", "bots file path (default is <root>/"+config.DefaultBotsConfigName+")")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	_ = settingsViper.BindPFlag(config.KeyRoot, rootCmd.PersistentFlags().Lookup("root"))
	_ = settingsViper.BindPFlag(config.KeyBotsConfig, rootCmd.PersistentFlags().Lookup("bots-config"))
	_ = settingsViper.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

func loadSettings() (*config.Settings, error) {
	return config.SettingsFrom(settingsViper)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetViper returns the settings source shared by all commands.
func GetViper() *viper.Viper {
	return settingsViper
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
