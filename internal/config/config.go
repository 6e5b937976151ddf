package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	// GatewayURLs is the ordered list of upstream API base URLs. The order
	// is the failover priority and never changes at runtime.
	GatewayURLs []string `envconfig:"GATEWAY_URLS" required:"true"`

	VaultDir string `envconfig:"VAULT_DIR" required:"true"`
	DBPath   string `envconfig:"DB_PATH" default:"reelvault.db"`

	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"3"`
	LockMaxAge        time.Duration `envconfig:"LOCK_MAX_AGE" default:"1h"`
	LockSweepInterval time.Duration `envconfig:"LOCK_SWEEP_INTERVAL" default:"10m"`
	SpaceBufferBytes  int64         `envconfig:"SPACE_BUFFER_BYTES" default:"209715200"`

	EncryptDownloads  bool   `envconfig:"ENCRYPT_DOWNLOADS" default:"false"`
	EncryptPassphrase string `envconfig:"ENCRYPT_PASSPHRASE"`
	KeyringService    string `envconfig:"KEYRING_SERVICE" default:"reelvault"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"reelvault"`
	}

	Stream struct {
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
