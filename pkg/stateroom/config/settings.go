package config

import (
	"fmt"
	"time"
)

// Defaults applied when a key is absent from the config file.
const (
	DefaultStoreBackend  = "memory"
	DefaultShards        = 4
	DefaultMaxRetries    = 5
	DefaultRetryInterval = time.Second
	DefaultLogLevel      = "info"
)

// Settings is the materialized homeserver configuration.
type Settings struct {
	// ServerName is this server's domain, e.g. "example.org". It is
	// the only key without a default.
	ServerName string

	// StoreBackend selects event storage: "memory" or "sqlite".
	StoreBackend string

	// SQLitePath is the database file when StoreBackend is "sqlite".
	SQLitePath string

	// SigningKeyID names the ed25519 key used to sign locally
	// originated events, e.g. "ed25519:auto". Empty disables signing.
	SigningKeyID string

	// Shards is the number of pipeline consumer goroutines.
	Shards int

	// MaxRetries bounds dependency fetch attempts per event.
	MaxRetries int

	// RetryInterval is the base dependency backoff.
	RetryInterval time.Duration

	// StrictCreateChecks tightens room creation validation.
	StrictCreateChecks bool

	LogLevel string
}

// Settings extracts the engine settings from a loaded Config,
// applying defaults for absent keys.
func (c Config) Settings() (Settings, error) {
	s := Settings{
		ServerName:         c.String("server_name", ""),
		StoreBackend:       c.String("store_backend", DefaultStoreBackend),
		SQLitePath:         c.String("sqlite_path", ""),
		SigningKeyID:       c.String("signing_key_id", ""),
		Shards:             c.Int("pipeline_shards", DefaultShards),
		MaxRetries:         c.Int("max_retries", DefaultMaxRetries),
		RetryInterval:      c.Duration("retry_interval", DefaultRetryInterval),
		StrictCreateChecks: c.Bool("strict_create_checks", false),
		LogLevel:           c.String("log_level", DefaultLogLevel),
	}
	return s, s.validate()
}

func (s Settings) validate() error {
	if s.ServerName == "" {
		return fmt.Errorf("server_name is required")
	}
	switch s.StoreBackend {
	case "memory":
	case "sqlite":
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store_backend %q", s.StoreBackend)
	}
	if s.Shards <= 0 {
		return fmt.Errorf("pipeline_shards must be positive, got %d", s.Shards)
	}
	if s.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", s.MaxRetries)
	}
	if s.RetryInterval <= 0 {
		return fmt.Errorf("retry_interval must be positive")
	}
	return nil
}

// LoadSettings reads a config file and materializes Settings.
func LoadSettings(path string) (Settings, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	return cfg.Settings()
}
