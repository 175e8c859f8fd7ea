package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/httpclient"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/provider"
	"github.com/rendis/agentflow/internal/secrets"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/internal/tracing"
	"github.com/rendis/agentflow/internal/validation"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	cfg      Config
	logLevel *slog.LevelVar
	logger   *slog.Logger
	out      io.Writer
	errOut   io.Writer

	// Flag overrides applied on top of the loaded config.
	dbFlag       string
	logLevelFlag string
}

func newRootCmd() *cobra.Command {
	a := &app{logLevel: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:   "agentflow",
		Short: "Run multi-step agent workflows",
		Long: `agentflow executes agent definitions: ordered steps (prompts, API calls,
validation, transformations, conditions, loops, waits, variables and error
handlers) with branching, retries and a persisted execution trace.

Agents are imported from YAML files and stored in a local libSQL database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.init(cmd)
		},
	}
	root.Version = version
	root.SetVersionTemplate("agentflow {{.Version}}\n")

	root.PersistentFlags().StringVar(&a.dbFlag, "db", "", "database path (default: ~/.agentflow/agentflow.db)")
	root.PersistentFlags().StringVar(&a.logLevelFlag, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newInitCmd(a),
		newMigrateCmd(a),
		newAgentCmd(a),
		newRunCmd(a),
		newExecutionCmd(a),
		newCredentialCmd(a),
		newScheduleCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) {
	cfg, settingsErr := loadConfig()
	a.cfg = cfg
	if a.dbFlag != "" {
		a.cfg.DBPath = a.dbFlag
	}
	if a.logLevelFlag != "" {
		a.cfg.LogLevel = a.logLevelFlag
	}
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()
	a.logLevel.Set(logging.ParseLevel(a.cfg.LogLevel))
	a.logger = logging.NewWithLeveler(a.errOut, a.logLevel, a.cfg.LogFormat)
	if settingsErr != nil {
		a.logger.Warn("settings file not applied", slog.String("error", settingsErr.Error()))
	}
}

// openStore opens the configured database and applies pending migrations.
func (a *app) openStore(ctx context.Context) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := store.NewLibSQLStore("file:" + a.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// vault returns the credential vault, or nil when no passphrase is configured.
func (a *app) vault(db *store.LibSQLStore) (*secrets.AESVault, error) {
	if a.cfg.VaultPassphrase == "" {
		return nil, nil
	}
	if a.cfg.VaultSalt == "" {
		return nil, fmt.Errorf("vault_salt is not set; run 'agentflow init' or set AGENTFLOW_VAULT_SALT")
	}
	salt, err := hex.DecodeString(a.cfg.VaultSalt)
	if err != nil {
		return nil, fmt.Errorf("vault_salt must be hex: %w", err)
	}
	return secrets.NewAESVault(db, secrets.VaultConfig{
		Passphrase: a.cfg.VaultPassphrase,
		Salt:       salt,
	})
}

// newEngine wires an engine over db with the configured provider and vault.
func (a *app) newEngine(db *store.LibSQLStore, hub streaming.EventHub) (*engine.Engine, error) {
	timeout, err := a.cfg.runTimeout()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}

	client := httpclient.New(httpclient.Config{})
	deps := engine.Deps{
		Agents:    db,
		Recorder:  db,
		Events:    db,
		Hub:       hub,
		HTTP:      client,
		Validator: validator,
		Logger:    a.logger,
		Tracer:    tracing.Tracer(),
	}
	if a.cfg.ProviderURL != "" {
		deps.Provider = provider.NewChatProvider(client, provider.Config{
			BaseURL: a.cfg.ProviderURL,
			APIKey:  a.cfg.ProviderKey,
		})
	} else {
		a.logger.Debug("no provider configured; PROMPT steps echo a fixed reply")
		deps.Provider = provider.Static{Reply: "ok"}
	}

	v, err := a.vault(db)
	if err != nil {
		return nil, err
	}
	if v != nil {
		deps.Credentials = v
	}

	return engine.New(engine.Config{
		PoolSize:   a.cfg.PoolSize,
		MaxSteps:   a.cfg.MaxSteps,
		RunTimeout: timeout,
	}, deps)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseInput decodes a --input flag holding a JSON object.
func parseInput(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("--input must be a JSON object: %w", err)
	}
	return input, nil
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(a.out, "Database ready at %s\n", a.cfg.DBPath)
			return nil
		},
	}
}
