package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	roomsJSON bool

	// rooms create
	roomsCreateName    string
	roomsCreateMembers string

	// messages
	messagesPages int
	messagesJSON  bool

	// send
	sendImage string
	sendJSON  bool
)

func init() {
	roomsCmd.PersistentFlags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")
	roomsCreateCmd.Flags().StringVar(&roomsCreateName, "name", "", "Group name (creates a group room)")
	roomsCreateCmd.Flags().StringVar(&roomsCreateMembers, "members", "", "Comma-separated user IDs")
	roomsCmd.AddCommand(roomsListCmd, roomsGetCmd, roomsCreateCmd, roomsUsersCmd, roomsAddCmd)
	rootCmd.AddCommand(roomsCmd)

	messagesCmd.Flags().IntVar(&messagesPages, "pages", 1, "Number of history pages to load")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(messagesCmd)

	sendCmd.Flags().StringVar(&sendImage, "image", "", "Image URL to attach")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)
}

// withClient runs fn with a signed-in client and a bounded context.
func withClient(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, client *chatsync.Client) error) error {
	client, _, err := newClient(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer client.Close()
	if err := requireSession(client); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, client)
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List and manage chat rooms",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, 15*time.Second, func(ctx context.Context, client *chatsync.Client) error {
			rooms, err := client.ListRooms(ctx)
			if err != nil {
				return err
			}
			if roomsJSON {
				return printJSON(cmd.OutOrStdout(), rooms)
			}
			if len(rooms) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No rooms found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tUNREAD\tLAST MESSAGE")
			for _, r := range rooms {
				kind := "direct"
				if r.IsGroup {
					kind = "group"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Name, kind, r.Unread, r.LastMessage)
			}
			return tw.Flush()
		})
	},
}

var roomsGetCmd = &cobra.Command{
	Use:   "get <room-id>",
	Short: "Show a room and its participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, 15*time.Second, func(ctx context.Context, client *chatsync.Client) error {
			room, err := client.API().Rooms.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if roomsJSON {
				return printJSON(cmd.OutOrStdout(), room)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:    %s\n", room.ID)
			fmt.Fprintf(out, "Name:  %s\n", room.Name)
			fmt.Fprintf(out, "Group: %v\n", room.IsGroup)
			for _, p := range room.Participants {
				fmt.Fprintf(out, "  - %s (%s)\n", p.Name, p.ID)
			}
			return nil
		})
	},
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create [user-id]",
	Short: "Create a direct room with a user, or a group with --name",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := &chatsync.CreateRoomOptions{}
		switch {
		case roomsCreateName != "":
			opts.IsGroup = true
			opts.GroupName = roomsCreateName
			opts.Participants = splitIDs(roomsCreateMembers)
		case len(args) == 1:
			opts.ParticipantID = args[0]
		default:
			return fmt.Errorf("pass a user ID for a direct room or --name for a group")
		}
		return withClient(cmd, 15*time.Second, func(ctx context.Context, client *chatsync.Client) error {
			room, err := client.CreateRoom(ctx, opts)
			if err != nil {
				return err
			}
			if roomsJSON {
				return printJSON(cmd.OutOrStdout(), room)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Room created: %s\n", room.ID)
			return nil
		})
	},
}

var roomsUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users you can start a room with",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, 15*time.Second, func(ctx context.Context, client *chatsync.Client) error {
			users, err := client.API().Rooms.Users(ctx)
			if err != nil {
				return err
			}
			if roomsJSON {
				return printJSON(cmd.OutOrStdout(), users)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tEMAIL")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", u.ID, u.Name, u.Email)
			}
			return tw.Flush()
		})
	},
}

var roomsAddCmd = &cobra.Command{
	Use:   "add <room-id> <user-id>[,<user-id>...]",
	Short: "Add participants to a group room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := splitIDs(args[1])
		return withClient(cmd, 15*time.Second, func(ctx context.Context, client *chatsync.Client) error {
			if err := client.AddParticipants(ctx, args[0], ids); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %d participant(s) to %s\n", len(ids), args[0])
			return nil
		})
	},
}

// ============================================================================
// messages / send
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <room-id>",
	Short: "Print a room's recent history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		return withClient(cmd, 30*time.Second, func(ctx context.Context, client *chatsync.Client) error {
			if err := client.Cache().Load(ctx, roomID); err != nil {
				return err
			}
			for i := 1; i < messagesPages; i++ {
				more, err := client.LoadOlder(ctx, roomID)
				if err != nil {
					return err
				}
				if !more {
					break
				}
			}

			msgs := client.Messages(roomID)
			if messagesJSON {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			if len(msgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages found.")
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m))
			}
			if client.RoomState(roomID).HasMore {
				fmt.Fprintln(cmd.OutOrStdout(), "(older messages available: use --pages)")
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <message>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var image *string
		if sendImage != "" {
			image = &sendImage
		}
		return withClient(cmd, 15*time.Second, func(ctx context.Context, client *chatsync.Client) error {
			m, err := client.SendMessage(ctx, args[0], args[1], image)
			if err != nil {
				return err
			}
			if sendJSON {
				return printJSON(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Message sent to room %s\n", args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "  Message ID: %s\n", m.ID)
			return nil
		})
	},
}
