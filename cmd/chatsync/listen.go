package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/internal/metrics"
)

var listenMetrics string

func init() {
	listenCmd.Flags().StringVar(&listenMetrics, "metrics", "", "Serve Prometheus metrics on this address (overrides metrics.listen)")
	rootCmd.AddCommand(listenCmd)
}

// metricsServer serves /metrics and /healthz.
func metricsServer(addr string, client *chatsync.Client) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := client.Realtime().State()
		if state != chatsync.StateConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintln(w, state)
	})
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

var listenCmd = &cobra.Command{
	Use:   "listen [room-id...]",
	Short: "Follow rooms live",
	Long:  "Connect to the realtime channel, print the history of the given rooms and then every new message, typing indicator and membership change until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		client, cfg, err := newClient(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer client.Close()
		if err := requireSession(client); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := valueOrDefault(listenMetrics, cfg.Metrics.Listen)
		if addr != "" {
			srv := metricsServer(addr, client)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Fprintf(out, "Metrics on http://%s/metrics\n", addr)
		}

		rt := client.Realtime()
		rt.OnConnected(func() { fmt.Fprintln(out, "* connected") })
		rt.OnDisconnected(func(err error) {
			if err != nil {
				fmt.Fprintf(out, "* connection lost: %v\n", err)
			}
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(out, "* reconnecting (attempt %d in %s)\n", attempt, delay.Round(time.Millisecond))
		})
		client.OnMessage(func(m chatsync.Message) {
			fmt.Fprintf(out, "%s %s\n", m.ChatID, formatMessage(m))
		})
		client.OnParticipantsAdded(func(p chatsync.ParticipantsAddedPayload) {
			fmt.Fprintf(out, "* %s added %v to %s\n", p.AddedBy, p.AddedUserIDs, p.RoomID)
		})
		presence := client.Presence()
		var typingMu sync.Mutex
		typing := make(map[string]string)
		presence.OnChange(func() {
			typingMu.Lock()
			defer typingMu.Unlock()
			for _, id := range args {
				who := presence.TypingUser(id)
				if who != typing[id] && who != "" {
					fmt.Fprintf(out, "* %s is typing in %s\n", who, id)
				}
				typing[id] = who
			}
		})

		if err := client.Start(ctx); err != nil {
			if errors.Is(err, chatsync.ErrSessionEnded) {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Connect failed, retrying in the background: %v\n", err)
		}
		for _, id := range args {
			if err := client.OpenRoom(ctx, id); err != nil {
				return fmt.Errorf("open room %s: %w", id, err)
			}
			for _, m := range client.Messages(id) {
				fmt.Fprintf(out, "%s %s\n", id, formatMessage(m))
			}
		}

		<-ctx.Done()
		return nil
	},
}
