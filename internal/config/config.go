// Package config loads chatsync settings with koanf. Sources are layered:
//
//  1. Defaults from Default()
//  2. An optional TOML file (~/.chatsync/config.toml for the CLI)
//  3. CHATSYNC_* environment variables, e.g. CHATSYNC_API_CHAT_URL -> api.chat_url
//
// The merged result is validated with go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "CHATSYNC_"

// Config is the full client configuration.
type Config struct {
	API      APIConfig      `koanf:"api" toml:"api"`
	Envelope EnvelopeConfig `koanf:"envelope" toml:"envelope"`
	Realtime RealtimeConfig `koanf:"realtime" toml:"realtime"`
	Cache    CacheConfig    `koanf:"cache" toml:"cache"`
	Presence PresenceConfig `koanf:"presence" toml:"presence"`
	Breaker  BreakerConfig  `koanf:"breaker" toml:"breaker"`
	Log      LogConfig      `koanf:"log" toml:"log"`
	Metrics  MetricsConfig  `koanf:"metrics" toml:"metrics"`
	Auth     AuthConfig     `koanf:"auth" toml:"auth"`
}

// APIConfig holds the HTTP endpoints.
type APIConfig struct {
	ChatURL string        `koanf:"chat_url" toml:"chat_url" validate:"required,url"`
	AuthURL string        `koanf:"auth_url" toml:"auth_url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout" toml:"timeout" validate:"gt=0"`
}

// EnvelopeConfig selects the payload cipher.
type EnvelopeConfig struct {
	Secret    string `koanf:"secret" toml:"secret" validate:"required"`
	Algorithm string `koanf:"algorithm" toml:"algorithm" validate:"oneof=aes chacha20"`
}

// RealtimeConfig configures the Socket.IO connection. URL defaults to
// api.chat_url when empty.
type RealtimeConfig struct {
	URL                  string        `koanf:"url" toml:"url" validate:"omitempty,url"`
	Path                 string        `koanf:"path" toml:"path" validate:"required,startswith=/"`
	Namespace            string        `koanf:"namespace" toml:"namespace" validate:"required,startswith=/"`
	ReconnectBaseDelay   time.Duration `koanf:"reconnect_base_delay" toml:"reconnect_base_delay" validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `koanf:"reconnect_max_delay" toml:"reconnect_max_delay" validate:"gtefield=ReconnectBaseDelay"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts" toml:"max_reconnect_attempts" validate:"min=0"`
	TypingEmitInterval   time.Duration `koanf:"typing_emit_interval" toml:"typing_emit_interval" validate:"min=0"`
}

// CacheConfig sizes message pages.
type CacheConfig struct {
	PageSize int `koanf:"page_size" toml:"page_size" validate:"min=1,max=500"`
}

// PresenceConfig tunes the typing indicator.
type PresenceConfig struct {
	TypingTTL time.Duration `koanf:"typing_ttl" toml:"typing_ttl" validate:"gt=0"`
}

// BreakerConfig configures the optional HTTP circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `koanf:"enabled" toml:"enabled"`
	MaxFailures uint32        `koanf:"max_failures" toml:"max_failures" validate:"min=1"`
	OpenTimeout time.Duration `koanf:"open_timeout" toml:"open_timeout" validate:"gt=0"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level  string `koanf:"level" toml:"level" validate:"oneof=trace debug info warn warning error disabled off"`
	Format string `koanf:"format" toml:"format" validate:"oneof=json console"`
}

// MetricsConfig enables the Prometheus endpoint of long-running commands.
type MetricsConfig struct {
	Listen string `koanf:"listen" toml:"listen" validate:"omitempty,hostname_port"`
}

// AuthConfig persists the CLI session between invocations.
type AuthConfig struct {
	AccessToken string `koanf:"access_token" toml:"access_token"`
	UserID      string `koanf:"user_id" toml:"user_id"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			ChatURL: "http://localhost:3000",
			AuthURL: "http://localhost:3001",
			Timeout: 30 * time.Second,
		},
		Envelope: EnvelopeConfig{
			Algorithm: "aes",
		},
		Realtime: RealtimeConfig{
			Path:               "/socket.io/",
			Namespace:          "/chat",
			ReconnectBaseDelay: 1 * time.Second,
			ReconnectMaxDelay:  5 * time.Second,
			// 0 = retry forever
			MaxReconnectAttempts: 0,
			TypingEmitInterval:   1 * time.Second,
		},
		Cache: CacheConfig{
			PageSize: 20,
		},
		Presence: PresenceConfig{
			TypingTTL: 3 * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:     false,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "json",
		},
	}
}

// RealtimeURL returns realtime.url, falling back to api.chat_url.
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	return c.API.ChatURL
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			return fld.Tag.Get("koanf")
		})
	})
	return validate
}

// Validate checks every field constraint and reports all failures at once.
func (c *Config) Validate() error {
	err := getValidator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", keyForNamespace(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty or the file does not exist) and the environment.
func Load(path string) (*Config, error) {
	k, err := load(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), TOML()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot stat config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return k, nil
}

// envTransformFunc maps CHATSYNC_SECTION_FIELD_NAME to section.field_name.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + field
}

// Keys lists every settable key in dot notation, sorted.
func Keys() []string {
	k := koanf.New(".")
	_ = k.Load(structs.Provider(Default(), "koanf"), nil)
	keys := k.Keys()
	sort.Strings(keys)
	return keys
}

// Lookup returns the effective value of key after all layers are applied.
func Lookup(path, key string) (any, error) {
	k, err := load(path)
	if err != nil {
		return nil, err
	}
	if !k.Exists(key) {
		return nil, fmt.Errorf("unknown config key %q (see 'config keys')", key)
	}
	return k.Get(key), nil
}

func keyForNamespace(ns string) string {
	// Config.realtime.reconnect_base_delay -> realtime.reconnect_base_delay
	_, key, _ := strings.Cut(ns, ".")
	return key
}

// Update writes values (dot-notation keys) into the TOML file at path,
// creating it if needed. Other keys already in the file are kept. Values are
// converted to the type of the matching default so the file stays typed.
func Update(path string, values map[string]string) error {
	defaults := koanf.New(".")
	if err := defaults.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}

	k := koanf.New(".")
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), TOML()); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	for key, raw := range values {
		if !defaults.Exists(key) {
			return fmt.Errorf("unknown config key %q (see 'config keys')", key)
		}
		v, err := convert(defaults.Get(key), raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if err := k.Set(key, v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	data, err := k.Marshal(TOML())
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func convert(def any, raw string) (any, error) {
	switch def.(type) {
	case bool:
		return strconv.ParseBool(raw)
	case int:
		return strconv.Atoi(raw)
	case uint32:
		n, err := strconv.ParseUint(raw, 10, 32)
		return int64(n), err
	case time.Duration:
		if _, err := time.ParseDuration(raw); err != nil {
			return nil, err
		}
		return raw, nil
	default:
		return raw, nil
	}
}
