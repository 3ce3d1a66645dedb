package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and session status",
	Long:  "Display the endpoints in use, check whether the stored token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		client, cfg, err := newClient(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer client.Close()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Chat API:  %s\n", cfg.API.ChatURL)
		fmt.Fprintf(out, "  Auth API:  %s\n", cfg.API.AuthURL)
		fmt.Fprintf(out, "  Realtime:  %s%s\n", cfg.RealtimeURL(), cfg.Realtime.Namespace)
		fmt.Fprintf(out, "  Cipher:    %s\n", cfg.Envelope.Algorithm)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not signed in)"))
		session := client.Session()
		tokenStatus := "none"
		switch {
		case session.AccessToken == "":
		case session.Expiry.IsZero():
			tokenStatus = "present (no readable expiry)"
		case session.Expired(time.Now()):
			tokenStatus = fmt.Sprintf("EXPIRED (expired %s, will refresh on next use)", session.Expiry.Local().Format(time.RFC3339))
		default:
			tokenStatus = fmt.Sprintf("valid (expires %s)", session.Expiry.Local().Format(time.RFC3339))
		}
		fmt.Fprintf(out, "  Token:     %s\n", tokenStatus)

		if session.AccessToken == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var (
			me    *chatsync.UserProfile
			rooms []chatsync.Room
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			me, err = client.API().Auth.Me(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			rooms, err = client.ListRooms(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			fmt.Fprintf(out, "  Error: %s\n", chatsync.UserMessage(err))
			return nil
		}

		unread := 0
		for _, r := range rooms {
			unread += r.Unread
		}
		fmt.Fprintf(out, "  Name:      %s\n", me.DisplayName())
		fmt.Fprintf(out, "  Email:     %s\n", me.Email)
		fmt.Fprintf(out, "  Rooms:     %d\n", len(rooms))
		fmt.Fprintf(out, "  Unread:    %d\n", unread)
		return nil
	},
}
