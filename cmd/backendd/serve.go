package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/iat-toolkit/backend/internal/config"
	"github.com/iat-toolkit/backend/internal/queue"
	"github.com/iat-toolkit/backend/internal/schema"
	"github.com/iat-toolkit/backend/internal/secretvault"
	"github.com/iat-toolkit/backend/internal/store"
	"github.com/iat-toolkit/backend/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run schema migrations and start the agent instruction worker loop",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// slogLogger adapts a *slog.Logger to the worker.Logger interface, keeping
// the printf-style call sites the worker loop uses while still emitting
// structured, rotated log lines.
type slogLogger struct{ *slog.Logger }

func (l slogLogger) Infof(format string, args ...any)  { l.Info(fmt.Sprintf(format, args...)) }
func (l slogLogger) Errorf(format string, args ...any) { l.Error(fmt.Sprintf(format, args...)) }

func newSlogLogger(logFile string) slogLogger {
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slogLogger{slog.New(handler)}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	lock := flock.New(cfg.DaemonLockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock %s: %w", cfg.DaemonLockFile, err)
	}
	if !locked {
		return fmt.Errorf("another backendd serve is already running against %s", cfg.DBPath)
	}
	defer func() { _ = lock.Unlock() }()

	db, err := schema.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	repo := store.New(db)
	q := queue.New(db)

	var vault *secretvault.Vault
	keyProvider := secretvault.NewKeyProvider(cfg.SecretService, cfg.SecretAccount, cfg.MasterKeyFile)
	if key, err := keyProvider.Resolve(true); err == nil {
		if v, err := secretvault.New(key); err == nil {
			vault = v
		}
	}

	logger := newSlogLogger(cfg.LogFile)
	loop := worker.New(q, repo, vault, worker.Config{
		WorkerID:            cfg.WorkerID,
		PollInterval:        cfg.PollInterval,
		MaxLockedSeconds:    cfg.MaxLockedSeconds,
		DefaultMaxAttempts:  cfg.MaxAttempts,
		RetryBackoffSeconds: cfg.RetryBackoffSeconds,
		DispatchTimeout:     cfg.DispatchTimeout,
		DispatchRetries:     cfg.DispatchRetries,
		DispatchBackoffSec:  1.5,
		AgentAPIURL:         cfg.AgentAPIURL,
		AgentAPIToken:       cfg.AgentAPIToken,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Infof("serving worker_id=%s db=%s", cfg.WorkerID, cfg.DBPath)
	loop.Run(ctx)
	logger.Infof("shutting down")
	return nil
}
