package main

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/internal/config"
	"github.com/LuminPulse-AI/chatsync/internal/envelope"
	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// cliNotifier prints notifications to stderr.
type cliNotifier struct{ w io.Writer }

func (n cliNotifier) Dismiss()           {}
func (n cliNotifier) Error(msg string)   { fmt.Fprintln(n.w, "error:", msg) }
func (n cliNotifier) Success(msg string) { fmt.Fprintln(n.w, msg) }

// newClient builds a client from the configuration. Tokens the client
// obtains (login, refresh) are written back to the config file; a cleared
// token is removed from it.
func newClient(errOut io.Writer) (*chatsync.Client, *config.Config, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cipher, err := envelope.New(cfg.Envelope.Algorithm, cfg.Envelope.Secret)
	if err != nil {
		return nil, nil, err
	}
	store := chatsync.NewMemorySessionStore(cipher)
	store.SetToken(cfg.Auth.AccessToken)
	store.Watch(func(token string) {
		if err := config.Update(path, map[string]string{"auth.access_token": token}); err != nil {
			logging.Warn().Err(err).Msg("could not persist session")
		}
	})

	client, err := chatsync.NewClient(cfg,
		chatsync.WithCipher(cipher),
		chatsync.WithSessionStore(store),
		chatsync.WithNotifier(cliNotifier{w: errOut}),
	)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

// requireSession fails early when nobody is signed in.
func requireSession(client *chatsync.Client) error {
	if client.Session().AccessToken == "" {
		return fmt.Errorf("not signed in; run 'chatsync login <email>' first")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// maskSecret shows the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatMessage(m chatsync.Message) string {
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), m.SenderID, m.Content)
	if m.Image != nil {
		line += " [image " + *m.Image + "]"
	}
	if m.Status == chatsync.MessagePending {
		line += " (sending)"
	}
	return line
}
