package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all agentflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	PoolSize    int    `json:"pool_size"`
	MaxSteps    int    `json:"max_steps"`
	RunTimeout  string `json:"run_timeout,omitempty"`
	ProviderURL string `json:"provider_url,omitempty"`
	VaultSalt   string `json:"vault_salt,omitempty"`
	OTLP        bool   `json:"otlp"`

	// Secrets are read from the environment only and never written to disk.
	ProviderKey     string `json:"-"`
	VaultPassphrase string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(agentflowDir(), "agentflow.db"),
		LogLevel:  "info",
		LogFormat: "text",
		PoolSize:  10,
		MaxSteps:  10000,
	}
}

func agentflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentflow"
	}
	return filepath.Join(home, ".agentflow")
}

func settingsPath() string {
	return filepath.Join(agentflowDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(agentflowDir(), "agentflow.pid")
}

// loadConfig layers defaults, settings.json and the environment. A
// settings.json that cannot be parsed is skipped and reported through the
// returned error; the Config is usable either way.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	var settingsErr error
	if data, err := os.ReadFile(settingsPath()); err == nil {
		fromFile := cfg
		if err := json.Unmarshal(data, &fromFile); err != nil {
			settingsErr = fmt.Errorf("ignoring %s: %w", settingsPath(), err)
		} else {
			cfg = fromFile
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		settingsErr = fmt.Errorf("ignoring %s: %w", settingsPath(), err)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AGENTFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AGENTFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("AGENTFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("AGENTFLOW_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSteps = n
		}
	}
	if v := os.Getenv("AGENTFLOW_RUN_TIMEOUT"); v != "" {
		cfg.RunTimeout = v
	}
	if v := os.Getenv("AGENTFLOW_PROVIDER_URL"); v != "" {
		cfg.ProviderURL = v
	}
	if v := os.Getenv("AGENTFLOW_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("AGENTFLOW_OTLP"); v != "" {
		cfg.OTLP = v == "true" || v == "1"
	}
	cfg.ProviderKey = os.Getenv("AGENTFLOW_PROVIDER_KEY")
	cfg.VaultPassphrase = os.Getenv("AGENTFLOW_VAULT_PASSPHRASE")

	return cfg, settingsErr
}

// runTimeout parses RunTimeout; empty means no limit.
func (c Config) runTimeout() (time.Duration, error) {
	if c.RunTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.RunTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid run_timeout %q: %w", c.RunTimeout, err)
	}
	return d, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that only take effect on restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.MaxSteps != new.MaxSteps {
		d.RestartNeeded = append(d.RestartNeeded, "max_steps")
	}
	if old.RunTimeout != new.RunTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "run_timeout")
	}
	if old.ProviderURL != new.ProviderURL {
		d.RestartNeeded = append(d.RestartNeeded, "provider_url")
	}
	return d
}
