package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	var (
		logFormat   string
		poolSize    int
		maxSteps    int
		runTimeout  string
		providerURL string
		otlp        bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write ~/.agentflow/settings.json",
		Long: `Write the settings file from flags and the current configuration.

A random vault salt is generated on first use. The vault passphrase and the
provider API key are never written to disk; set AGENTFLOW_VAULT_PASSPHRASE and
AGENTFLOW_PROVIDER_KEY in the environment instead.

If a server is running it is signaled to reload its configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := agentflowDir()
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("cannot create %s: %w", dir, err)
			}

			cfg := a.cfg
			flags := cmd.Flags()
			if flags.Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			if flags.Changed("pool-size") {
				cfg.PoolSize = poolSize
			}
			if flags.Changed("max-steps") {
				cfg.MaxSteps = maxSteps
			}
			if flags.Changed("run-timeout") {
				cfg.RunTimeout = runTimeout
			}
			if flags.Changed("provider-url") {
				cfg.ProviderURL = providerURL
			}
			if flags.Changed("otlp") {
				cfg.OTLP = otlp
			}
			if _, err := cfg.runTimeout(); err != nil {
				return err
			}
			if cfg.VaultSalt == "" {
				salt, err := newSalt()
				if err != nil {
					return err
				}
				cfg.VaultSalt = salt
			}

			path, err := writeSettings(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Config written to %s\n", path)

			if pid, ok := signalRunningServer(); ok {
				fmt.Fprintf(a.out, "Signaled running server (PID %d) to reload configuration\n", pid)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	cmd.Flags().IntVar(&poolSize, "pool-size", 10, "concurrent background runs")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 10000, "step executions allowed per run")
	cmd.Flags().StringVar(&runTimeout, "run-timeout", "", "wall time limit per run, e.g. 5m (empty: none)")
	cmd.Flags().StringVar(&providerURL, "provider-url", "", "OpenAI-compatible base URL for PROMPT steps")
	cmd.Flags().BoolVar(&otlp, "otlp", false, "export traces over OTLP/HTTP")
	return cmd
}

func writeSettings(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := settingsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("cannot write %s: %w", path, err)
	}
	return path, nil
}

func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate vault salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// signalRunningServer sends SIGHUP to a running agentflow server (via pidfile).
func signalRunningServer() (int, bool) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, false
	}
	return pid, true
}
