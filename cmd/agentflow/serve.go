package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/scheduler"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/internal/tracing"
	mcpserver "github.com/rendis/agentflow/pkg/mcp"
)

func newServeCmd(a *app) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio and fire cron schedules",
		Long: `Start the MCP server on stdin/stdout and the cron scheduler.

Logs go to stderr. SIGHUP reloads settings.json and the environment; the log
level changes immediately, other settings need a restart. SIGINT or SIGTERM
stop the server after in-flight runs finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not fire cron schedules")
	return cmd
}

func (a *app) serve(ctx context.Context, withScheduler bool) error {
	shutdownTracing, err := tracing.Setup(ctx, a.cfg.OTLP)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	db, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	eng, err := a.newEngine(db, streaming.NewMemoryHub())
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	if withScheduler {
		sched := scheduler.NewScheduler(db, eng, a.logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			a.logger.Warn("schedule recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	if err := writePidFile(); err != nil {
		a.logger.Warn("cannot write pidfile", slog.String("error", err.Error()))
	} else {
		defer removePidFile()
	}

	go a.watchReload(ctx)

	srv := mcpserver.NewServer(mcpserver.ServerDeps{
		Runner: eng,
		Store:  db,
		Logger: a.logger,
	})
	a.logger.Info("agentflow serving",
		slog.String("version", version),
		slog.String("db", a.cfg.DBPath),
		slog.Int("pool_size", a.cfg.PoolSize),
		slog.Bool("scheduler", withScheduler),
	)

	err = srv.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("agentflow stopped")
	return nil
}

// watchReload re-reads the configuration on SIGHUP until ctx is done.
func (a *app) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.reload()
		}
	}
}

func (a *app) reload() {
	next, err := loadConfig()
	if err != nil {
		a.logger.Warn("settings file not applied", slog.String("error", err.Error()))
	}
	if a.dbFlag != "" {
		next.DBPath = a.dbFlag
	}
	if a.logLevelFlag != "" {
		next.LogLevel = a.logLevelFlag
	}

	diff := diffConfigs(a.cfg, next)
	if diff.LogLevelChanged {
		a.logLevel.Set(logging.ParseLevel(next.LogLevel))
		a.logger.Info("log level changed", slog.String("from", a.cfg.LogLevel), slog.String("to", next.LogLevel))
		a.cfg.LogLevel = next.LogLevel
	}
	if len(diff.RestartNeeded) > 0 {
		a.logger.Warn("configuration changed; restart to apply",
			slog.String("fields", strings.Join(diff.RestartNeeded, ",")))
	}
}

func writePidFile() error {
	if err := os.MkdirAll(agentflowDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePidFile() {
	_ = os.Remove(pidPath())
}
