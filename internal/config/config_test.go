package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Cache.PageSize != 20 {
		t.Errorf("Cache.PageSize = %d, want 20", cfg.Cache.PageSize)
	}
	if cfg.Realtime.ReconnectBaseDelay != time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want 1s", cfg.Realtime.ReconnectBaseDelay)
	}
	if cfg.Realtime.ReconnectMaxDelay != 5*time.Second {
		t.Errorf("ReconnectMaxDelay = %v, want 5s", cfg.Realtime.ReconnectMaxDelay)
	}
	if cfg.Realtime.MaxReconnectAttempts != 0 {
		t.Errorf("MaxReconnectAttempts = %d, want 0 (unlimited)", cfg.Realtime.MaxReconnectAttempts)
	}
	if cfg.Presence.TypingTTL != 3*time.Second {
		t.Errorf("TypingTTL = %v, want 3s", cfg.Presence.TypingTTL)
	}
	if cfg.Realtime.Namespace != "/chat" {
		t.Errorf("Namespace = %q, want /chat", cfg.Realtime.Namespace)
	}
	if cfg.RealtimeURL() != cfg.API.ChatURL {
		t.Errorf("RealtimeURL should fall back to chat url")
	}
}

func TestLoad_RequiresSecret(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected validation error without envelope secret")
	}
	if !strings.Contains(err.Error(), "envelope.secret") {
		t.Fatalf("error should name the key: %v", err)
	}
}

func TestLoad_Layering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[api]
chat_url = "https://chat.example.com"

[envelope]
secret = "from-file"

[cache]
page_size = 50

[realtime]
reconnect_max_delay = "10s"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATSYNC_ENVELOPE_SECRET", "from-env")
	t.Setenv("CHATSYNC_PRESENCE_TYPING_TTL", "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.ChatURL != "https://chat.example.com" {
		t.Errorf("ChatURL = %q", cfg.API.ChatURL)
	}
	if cfg.API.AuthURL != "http://localhost:3001" {
		t.Errorf("AuthURL should keep default, got %q", cfg.API.AuthURL)
	}
	if cfg.Envelope.Secret != "from-env" {
		t.Errorf("env should override file, got %q", cfg.Envelope.Secret)
	}
	if cfg.Cache.PageSize != 50 {
		t.Errorf("PageSize = %d, want 50", cfg.Cache.PageSize)
	}
	if cfg.Realtime.ReconnectMaxDelay != 10*time.Second {
		t.Errorf("ReconnectMaxDelay = %v, want 10s", cfg.Realtime.ReconnectMaxDelay)
	}
	if cfg.Presence.TypingTTL != 5*time.Second {
		t.Errorf("TypingTTL = %v, want 5s", cfg.Presence.TypingTTL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"bad page size", func(c *Config) { c.Cache.PageSize = 0 }, "cache.page_size"},
		{"bad algorithm", func(c *Config) { c.Envelope.Algorithm = "des" }, "envelope.algorithm"},
		{"max below base", func(c *Config) { c.Realtime.ReconnectMaxDelay = time.Millisecond }, "realtime.reconnect_max_delay"},
		{"bad chat url", func(c *Config) { c.API.ChatURL = "not a url" }, "api.chat_url"},
		{"namespace without slash", func(c *Config) { c.Realtime.Namespace = "chat" }, "realtime.namespace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Envelope.Secret = "s"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Fatalf("error %q does not mention %s", err, tt.key)
			}
		})
	}

	cfg := Default()
	cfg.Envelope.Secret = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with secret should validate: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := Update(path, map[string]string{
		"envelope.secret":     "s3cret",
		"cache.page_size":     "10",
		"breaker.enabled":     "true",
		"presence.typing_ttl": "2s",
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := Update(path, map[string]string{"auth.access_token": "tok"}); err != nil {
		t.Fatalf("second Update: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Envelope.Secret != "s3cret" || cfg.Cache.PageSize != 10 || !cfg.Breaker.Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Presence.TypingTTL != 2*time.Second {
		t.Fatalf("TypingTTL = %v", cfg.Presence.TypingTTL)
	}
	if cfg.Auth.AccessToken != "tok" {
		t.Fatalf("AccessToken = %q", cfg.Auth.AccessToken)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	if err := Update(path, map[string]string{"nope.key": "x"}); err == nil {
		t.Fatal("expected unknown key error")
	}
	if err := Update(path, map[string]string{"cache.page_size": "lots"}); err == nil {
		t.Fatal("expected conversion error")
	}
}

func TestEnvTransform(t *testing.T) {
	tests := map[string]string{
		"CHATSYNC_API_CHAT_URL":                  "api.chat_url",
		"CHATSYNC_REALTIME_RECONNECT_BASE_DELAY": "realtime.reconnect_base_delay",
		"CHATSYNC_LOG_LEVEL":                     "log.level",
	}
	for in, want := range tests {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	want := map[string]bool{"api.chat_url": false, "envelope.secret": false, "auth.access_token": false}
	for _, k := range keys {
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("Keys() missing %s", k)
		}
	}
}

func TestLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Update(path, map[string]string{"api.chat_url": "https://chat.example.com"}); err != nil {
		t.Fatal(err)
	}

	v, err := Lookup(path, "api.chat_url")
	if err != nil || v != "https://chat.example.com" {
		t.Errorf("Lookup(api.chat_url) = %v, %v", v, err)
	}
	if v, err := Lookup(path, "cache.page_size"); err != nil || v != 20 {
		t.Errorf("Lookup(cache.page_size) = %v (%T), %v", v, v, err)
	}
	if _, err := Lookup(path, "nope.key"); err == nil {
		t.Error("expected unknown key error")
	}
}
