package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync/internal/config"
)

var (
	initChatURL   string
	initAuthURL   string
	initAlgorithm string
)

func init() {
	initCmd.Flags().StringVar(&initChatURL, "chat-url", "", "Chat API base URL")
	initCmd.Flags().StringVar(&initAuthURL, "auth-url", "", "Auth API base URL")
	initCmd.Flags().StringVar(&initAlgorithm, "algorithm", "", "Envelope cipher: aes or chacha20")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <envelope-secret>",
	Short: "Store the envelope secret and endpoints in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the shared envelope secret and, optionally, the service endpoints.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values := map[string]string{"envelope.secret": args[0]}
		if initChatURL != "" {
			values["api.chat_url"] = initChatURL
		}
		if initAuthURL != "" {
			values["api.auth_url"] = initAuthURL
		}
		if initAlgorithm != "" {
			values["envelope.algorithm"] = initAlgorithm
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := config.Update(path, values); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		if _, err := config.Load(path); err != nil {
			return fmt.Errorf("saved, but the configuration is not usable yet: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
		return nil
	},
}
