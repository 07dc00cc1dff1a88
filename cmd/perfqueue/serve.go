package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/perfqueue/internal/api"
	"github.com/livinlefevreloca/perfqueue/internal/config"
	"github.com/livinlefevreloca/perfqueue/internal/db"
	"github.com/livinlefevreloca/perfqueue/internal/notify"
	"github.com/livinlefevreloca/perfqueue/internal/push"
	"github.com/livinlefevreloca/perfqueue/internal/queue"
	"github.com/livinlefevreloca/perfqueue/internal/runner"
	"github.com/livinlefevreloca/perfqueue/internal/sessions"
	"github.com/livinlefevreloca/perfqueue/internal/tokens"
	"github.com/livinlefevreloca/perfqueue/internal/trigger"
)

// shutdownTimeout bounds how long in-flight work gets after a signal
const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue, trigger loop, HTTP API and push channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger := stdoutLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("perfqueue stopped with error", "error", err)
				return err
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting perfqueue", "version", version)

	logger.Info("opening database", "dsn", cfg.Database.DSN)
	database, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if cfg.Database.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
	} else if err := migrate(database, logger); err != nil {
		return err
	}

	directory := sessions.NewDirectory()
	registry := tokens.NewRegistry()

	pushServer := push.NewServer(cfg.Push, directory, logger.With("component", "push"))
	defer pushServer.Close()

	notifier := notify.New(cfg.Notify, database, directory, pushServer, logger.With("component", "notify"))

	builder, err := runner.NewBuilder(cfg.Runner)
	if err != nil {
		return fmt.Errorf("failed to load runner configuration: %w", err)
	}
	executor, err := runner.NewExecutor(cfg.Runner, logger.With("component", "runner"))
	if err != nil {
		return fmt.Errorf("failed to create runner backend: %w", err)
	}
	pool := runner.NewPool(executor, logger.With("component", "runner"))

	q := queue.New(cfg.Queue, builder, pool, registry, database, notifier, logger.With("component", "queue"))
	trig := trigger.New(cfg.Trigger, database, q, logger.With("component", "trigger"))

	apiServer := api.New(q, registry, database, notifier, pushServer.Handler(), pushServer.Path(), logger.With("component", "api"))
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr(),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		notifier.Run(runCtx)
	}()

	if cfg.Trigger.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trig.Run(runCtx)
		}()
	} else {
		logger.Info("trigger loop disabled")
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "address", httpServer.Addr, "push_path", pushServer.Path())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("perfqueue is running", "runner_backend", cfg.Runner.Backend)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", "error", err)
	}
	cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue shutdown incomplete", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runner pool shutdown incomplete", "error", err)
	}
	wg.Wait()

	logger.Info("perfqueue stopped")
	return runErr
}
