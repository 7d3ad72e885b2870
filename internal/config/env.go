package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the default prefix of the environment overlay.
const EnvPrefix = "QUIETBOT"

// envOverlay lists the settings that may come from the environment instead
// of the file (secrets and deployment-specific paths).
type envOverlay struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StoragePath   string `envconfig:"STORAGE_PATH"`
	OpsToken      string `envconfig:"OPS_TOKEN"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored and existing variables are never overridden.
func LoadDotEnv(files ...string) {
	_ = godotenv.Load(files...)
}

// ApplyEnv overrides cfg with non-empty PREFIX_* variables.
func ApplyEnv(prefix string, cfg *Config) error {
	var o envOverlay
	if err := envconfig.Process(prefix, &o); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	if v := strings.TrimSpace(o.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(o.OpsToken); v != "" {
		cfg.Ops.Token = v
	}
	driver := strings.TrimSpace(o.StorageDriver)
	path := strings.TrimSpace(o.StoragePath)
	if driver != "" || path != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if driver != "" {
			cfg.Storage.Driver = driver
		}
		if path != "" {
			cfg.Storage.Path = path
		}
	}
	return nil
}
