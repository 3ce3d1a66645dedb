package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/internal/config"
	"github.com/LuminPulse-AI/chatsync/internal/envelope"
)

// run executes the CLI with args against the config file at path.
func run(t *testing.T, path string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", path}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigSetGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	out, err := run(t, path, "config", "set", "api.chat_url", "https://chat.example.com")
	if err != nil {
		t.Fatalf("config set: %v", err)
	}
	if !strings.Contains(out, "Set api.chat_url = https://chat.example.com") {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, path, "config", "set", "envelope.secret", "super-secret-value")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "super-secret-value") {
		t.Errorf("secret echoed: %q", out)
	}

	out, err = run(t, path, "config", "get", "api.chat_url")
	if err != nil || strings.TrimSpace(out) != "https://chat.example.com" {
		t.Errorf("config get = %q, %v", out, err)
	}

	if _, err := run(t, path, "config", "set", "nope.key", "x"); err == nil {
		t.Error("unknown key accepted")
	}

	out, err = run(t, path, "config", "keys")
	if err != nil || !strings.Contains(out, "realtime.typing_emit_interval") {
		t.Errorf("config keys = %q, %v", out, err)
	}
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if _, err := run(t, path, "init", "s3cret", "--chat-url", "https://chat.example.com", "--auth-url", "https://auth.example.com"); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Envelope.Secret != "s3cret" || cfg.API.AuthURL != "https://auth.example.com" {
		t.Errorf("config = %+v", cfg.API)
	}
}

// sealedServer answers /auth/login and /auth/me the way the chat service
// does: sealed JSON strings.
func sealedServer(t *testing.T, secret, token string) *httptest.Server {
	t.Helper()
	cipher := envelope.NewPassphraseAES(secret)
	write := func(w http.ResponseWriter, v any) {
		sealed, err := envelope.Seal(cipher, v)
		if err != nil {
			t.Errorf("seal: %v", err)
		}
		b, _ := json.Marshal(sealed)
		w.Write(b)
	}
	r := chi.NewRouter()
	r.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		write(w, chatsync.APIResponse[chatsync.LoginResult]{StatusCode: 200, Data: chatsync.LoginResult{AccessToken: token}})
	})
	r.Get("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		write(w, chatsync.APIResponse[chatsync.UserProfile]{StatusCode: 200, Data: chatsync.UserProfile{ID: "user-1", Name: "Ada"}})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginPersistsSession(t *testing.T) {
	// exp far in the future, signature irrelevant to the client
	token := "eyJhbGciOiJIUzI1NiJ9.eyJleHAiOjQxMDI0NDQ4MDB9.c2ln"
	srv := sealedServer(t, "s3cret", token)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.Update(path, map[string]string{
		"envelope.secret": "s3cret",
		"api.chat_url":    srv.URL,
		"api.auth_url":    srv.URL,
	}); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, path, "login", "ada@example.com", "--password", "pw")
	if err != nil {
		t.Fatalf("login: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Signed in as Ada (user-1)") {
		t.Errorf("output = %q", out)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.AccessToken != token || cfg.Auth.UserID != "user-1" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
}

func TestMetricsServerHealth(t *testing.T) {
	cfg := chatsync.DefaultConfig()
	cfg.Envelope.Secret = "s3cret"
	client, err := chatsync.NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	srv := httptest.NewServer(metricsServer("", client).Handler)
	defer srv.Close()
	httpClient := &http.Client{Timeout: 5 * time.Second}

	resp, err := httpClient.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("healthz while disconnected = %d", resp.StatusCode)
	}

	resp, err = httpClient.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func TestHelpers(t *testing.T) {
	if got := maskSecret("abcdefghijkl"); got != "abcd...ijkl" {
		t.Errorf("maskSecret = %q", got)
	}
	if got := maskSecret("short"); got != "****" {
		t.Errorf("maskSecret(short) = %q", got)
	}
	if got := splitIDs(" a, b,,c "); len(got) != 3 || got[2] != "c" {
		t.Errorf("splitIDs = %v", got)
	}
	m := chatsync.Message{SenderID: "u1", Content: "hi", Status: chatsync.MessagePending}
	if got := formatMessage(m); !strings.HasSuffix(got, "u1: hi (sending)") {
		t.Errorf("formatMessage = %q", got)
	}
}
