package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. CONVSYNC_BACKEND_BASE_URL.
const EnvPrefix = "CONVSYNC"

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config represents ~/.convsync/config.toml.
type Config struct {
	Backend Backend `toml:"backend"`
	Sync    Sync    `toml:"sync"`
	Cache   Cache   `toml:"cache"`
	Log     Log     `toml:"log"`
}

// Backend locates the REST and push endpoints.
type Backend struct {
	BaseURL        string   `toml:"base_url" envconfig:"BASE_URL" validate:"required,url"`
	PushURL        string   `toml:"push_url" envconfig:"PUSH_URL" validate:"omitempty,url"`
	RequestTimeout Duration `toml:"request_timeout" envconfig:"REQUEST_TIMEOUT" validate:"gt=0"`
}

// Sync holds the engine's timeouts and cadences.
type Sync struct {
	OpenTimeout              Duration `toml:"open_timeout" envconfig:"OPEN_TIMEOUT" validate:"gt=0"`
	PushReadyTimeout         Duration `toml:"push_ready_timeout" envconfig:"PUSH_READY_TIMEOUT" validate:"gt=0"`
	ConversationPollInterval Duration `toml:"conversation_poll_interval" envconfig:"CONVERSATION_POLL_INTERVAL" validate:"gt=0"`
	BadgePollInterval        Duration `toml:"badge_poll_interval" envconfig:"BADGE_POLL_INTERVAL" validate:"gt=0"`
	// TickTimeout bounds one poll tick. Zero means the tick's own interval.
	TickTimeout        Duration `toml:"tick_timeout" envconfig:"TICK_TIMEOUT" validate:"gte=0"`
	EchoWindow         Duration `toml:"echo_window" envconfig:"ECHO_WINDOW" validate:"gt=0"`
	SendingTimeout     Duration `toml:"sending_timeout" envconfig:"SENDING_TIMEOUT" validate:"gt=0"`
	PushDialAttempts   int      `toml:"push_dial_attempts" envconfig:"PUSH_DIAL_ATTEMPTS" validate:"gte=1"`
	PushRedialInterval Duration `toml:"push_redial_interval" envconfig:"PUSH_REDIAL_INTERVAL" validate:"gte=0"`
}

// Cache selects the persistent substrate.
type Cache struct {
	Backend string `toml:"backend" envconfig:"BACKEND" validate:"oneof=sqlite badger memory"`
	// Dir is the root of the per-participant cache directories. Empty means ~/.convsync.
	Dir string `toml:"dir" envconfig:"DIR"`
}

// Log configures the zap logger.
type Log struct {
	Level string `toml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	// File enables the JSON log file under the participant directory.
	File bool `toml:"file" envconfig:"FILE"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Backend: Backend{
			RequestTimeout: Duration(10 * time.Second),
		},
		Sync: Sync{
			OpenTimeout:              Duration(8 * time.Second),
			PushReadyTimeout:         Duration(5 * time.Second),
			ConversationPollInterval: Duration(5 * time.Second),
			BadgePollInterval:        Duration(15 * time.Second),
			EchoWindow:               Duration(10 * time.Second),
			SendingTimeout:           Duration(30 * time.Second),
			PushDialAttempts:         3,
			PushRedialInterval:       Duration(time.Minute),
		},
		Cache: Cache{Backend: BackendSQLite},
		Log:   Log{Level: "info"},
	}
}

var validate = validator.New()

// Load reads config from the given path. Returns error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve layers defaults, the file at path (if it exists) and environment
// overrides, then validates the result.
func Resolve(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
