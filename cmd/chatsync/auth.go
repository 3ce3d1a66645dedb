package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/internal/config"
)

var (
	loginPassword string

	registerFirstName string
	registerLastName  string
	registerPassword  string
	registerOTP       string
)

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (read from stdin when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	registerCmd.Flags().StringVar(&registerFirstName, "first-name", "", "First name")
	registerCmd.Flags().StringVar(&registerLastName, "last-name", "", "Last name")
	registerCmd.Flags().StringVar(&registerPassword, "password", "", "Password for the new account (final step)")
	registerCmd.Flags().StringVar(&registerOTP, "otp", "", "One-time code received by email")
	rootCmd.AddCommand(registerCmd)
}

// readLine prompts on stderr and reads one line from the command's input.
func readLine(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("no input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// ============================================================================
// login / logout
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			var err error
			if password, err = readLine(cmd, "Password: "); err != nil {
				return err
			}
		}

		client, _, err := newClient(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		profile, err := client.Login(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		if err := config.Update(path, map[string]string{"auth.user_id": profile.ID}); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", profile.DisplayName(), profile.ID)
		if exp := client.Session().Expiry; !exp.IsZero() {
			fmt.Fprintf(cmd.OutOrStdout(), "  Token expires: %s\n", exp.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		// the local session is cleared even when the server call fails
		logoutErr := client.Logout(ctx)
		path, err := configPath()
		if err != nil {
			return err
		}
		if err := config.Update(path, map[string]string{"auth.user_id": ""}); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		if logoutErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Server logout failed: %v\n", logoutErr)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	},
}

// ============================================================================
// register
// ============================================================================

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create an account",
	Long: "Create an account in three steps:\n" +
		"  chatsync register <email> --first-name A --last-name B          (sends a code)\n" +
		"  chatsync register <email> --otp 123456                          (verifies it)\n" +
		"  chatsync register <email> --first-name A --last-name B --password P",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		client, _, err := newClient(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		auth := client.API().Auth
		var result *chatsync.EmailMessage
		switch {
		case registerOTP != "":
			result, err = auth.VerifyOTP(ctx, &chatsync.VerifyOTPOptions{Email: email, OTP: registerOTP})
		case registerPassword != "":
			result, err = auth.Register(ctx, &chatsync.RegisterOptions{
				Email:     email,
				FirstName: registerFirstName,
				LastName:  registerLastName,
				Password:  registerPassword,
			})
		default:
			result, err = auth.RequestOTP(ctx, &chatsync.RequestOTPOptions{
				Email:     email,
				FirstName: registerFirstName,
				LastName:  registerLastName,
			})
		}
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), valueOrDefault(result.Message, "OK"))
		return nil
	},
}
