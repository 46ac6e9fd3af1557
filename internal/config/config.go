package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for ntfydesk.
type Config struct {
	// Path to the local message database. Empty means
	// ~/.ntfydesk/ntfydesk.db.
	DBPath string `env:"NTFYDESK_DB_PATH"`

	// Server used for new subscriptions when none is configured yet.
	// A row for it is created on first run.
	DefaultServer string `env:"NTFYDESK_DEFAULT_SERVER" envDefault:"https://ntfy.sh"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Keyring overrides for headless setups where no OS credential
	// service is available. When KeyringBackend is "file", passwords are
	// stored encrypted under KeyringDir.
	KeyringBackend string `env:"NTFYDESK_KEYRING_BACKEND"`
	KeyringDir     string `env:"NTFYDESK_KEYRING_DIR"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.DBPath == "" {
		path, err := defaultDBPath()
		if err != nil {
			return nil, err
		}

		cfg.DBPath = path
	} else {
		abs, err := filepath.Abs(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("resolving db path: %w", err)
		}

		cfg.DBPath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DefaultServer == "" {
		return fmt.Errorf("NTFYDESK_DEFAULT_SERVER must not be empty")
	}

	if !strings.HasPrefix(c.DefaultServer, "http://") && !strings.HasPrefix(c.DefaultServer, "https://") {
		return fmt.Errorf("NTFYDESK_DEFAULT_SERVER must start with http:// or https://, got %q", c.DefaultServer)
	}

	if c.KeyringBackend == "file" && c.KeyringDir == "" {
		return fmt.Errorf("NTFYDESK_KEYRING_DIR is required when NTFYDESK_KEYRING_BACKEND is file")
	}

	return nil
}

// defaultDBPath returns ~/.ntfydesk/ntfydesk.db.
func defaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".ntfydesk", "ntfydesk.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
