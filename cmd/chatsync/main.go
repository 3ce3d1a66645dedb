package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync/internal/config"
	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// ============================================================================
// Config location
// ============================================================================

var configFile string

// defaultConfigPath returns ~/.chatsync/config.toml.
func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatsync", "config.toml"), nil
}

// configPath returns the --config flag or the default location.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return defaultConfigPath()
}

// loadConfig reads the layered configuration.
func loadConfig() (*config.Config, string, error) {
	path, err := configPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Encrypted chat client",
	Long:  "Command-line client for the chat service.\nSign in, browse rooms, send messages and follow rooms live.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// best effort: a broken config surfaces in the command itself
		path, err := configPath()
		if err != nil {
			return
		}
		if cfg, err := config.Load(path); err == nil {
			logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.chatsync/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
