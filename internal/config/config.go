// Package config loads the server configuration from BBMCP_* environment
// variables and the optional YAML bootstrap file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Actor is the identity used for stdio sessions, which carry no request
// headers.
type Actor struct {
	AccountID   string   `env:"BBMCP_ACCOUNT_ID" envDefault:"local"`
	SessionID   string   `env:"BBMCP_SESSION_ID"`
	WorkspaceID string   `env:"BBMCP_WORKSPACE_ID"`
	SystemRoles []string `env:"BBMCP_SYSTEM_ROLES" envSeparator:","`
}

// Config is the full server configuration.
type Config struct {
	Transport string `env:"BBMCP_TRANSPORT" envDefault:"stdio"`
	HTTPAddr  string `env:"BBMCP_HTTP_ADDR" envDefault:":8787"`
	Store     string `env:"BBMCP_STORE"     envDefault:"sqlite"`
	DataDir   string `env:"BBMCP_DATA_DIR"`
	IDSeed    string `env:"BBMCP_ID_SEED"   envDefault:"bbmcp"`

	MaxFolderDepth  int           `env:"BBMCP_MAX_FOLDER_DEPTH"  envDefault:"8"`
	LockTTL         time.Duration `env:"BBMCP_LOCK_TTL"          envDefault:"5m"`
	LockPolicy      string        `env:"BBMCP_LOCK_POLICY"       envDefault:"hold"`
	EventStreamSize int           `env:"BBMCP_EVENT_STREAM_SIZE" envDefault:"64"`

	JobWorkers      int           `env:"BBMCP_JOB_WORKERS"       envDefault:"2"`
	JobPollInterval time.Duration `env:"BBMCP_JOB_POLL_INTERVAL" envDefault:"500ms"`
	JobMaxAttempts  int           `env:"BBMCP_JOB_MAX_ATTEMPTS"  envDefault:"3"`
	JobLease        time.Duration `env:"BBMCP_JOB_LEASE"         envDefault:"30s"`

	BootstrapFile string `env:"BBMCP_BOOTSTRAP_FILE"`
	Actor         Actor

	LogLevel     string `env:"BBMCP_LOG_LEVEL"     envDefault:"info"`
	LogFormat    string `env:"BBMCP_LOG_FORMAT"    envDefault:"json"`
	OTelEndpoint string `env:"BBMCP_OTEL_ENDPOINT"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return load(env.Options{})
}

// LoadFrom reads configuration from the given variables instead of the
// process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolving home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".bbmcp")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and ranges.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("BBMCP_TRANSPORT: unknown transport %q", c.Transport)
	}
	switch c.Store {
	case StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("BBMCP_STORE: unknown store %q", c.Store)
	}
	switch c.LockPolicy {
	case "hold", "release":
	default:
		return fmt.Errorf("BBMCP_LOCK_POLICY: must be hold or release, got %q", c.LockPolicy)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("BBMCP_LOG_FORMAT: must be json or console, got %q", c.LogFormat)
	}
	if c.MaxFolderDepth < 1 {
		return fmt.Errorf("BBMCP_MAX_FOLDER_DEPTH: must be positive, got %d", c.MaxFolderDepth)
	}
	if c.JobWorkers < 0 {
		return fmt.Errorf("BBMCP_JOB_WORKERS: must not be negative, got %d", c.JobWorkers)
	}
	if c.JobPollInterval <= 0 || c.LockTTL <= 0 || c.JobLease <= 0 {
		return errors.New("lock TTL, job poll interval and job lease must be positive")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("BBMCP_JOB_MAX_ATTEMPTS: must be at least 1, got %d", c.JobMaxAttempts)
	}
	return nil
}

// BlobDir is where export artifacts are written.
func (c Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }
