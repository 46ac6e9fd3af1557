package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ntfydesk/ntfydesk/internal/app"
	"github.com/ntfydesk/ntfydesk/internal/config"
	"github.com/ntfydesk/ntfydesk/internal/connection"
	"github.com/ntfydesk/ntfydesk/internal/events"
	"github.com/ntfydesk/ntfydesk/internal/logging"
	"github.com/ntfydesk/ntfydesk/internal/ntfy"
	"github.com/ntfydesk/ntfydesk/internal/secrets"
	"github.com/ntfydesk/ntfydesk/internal/sink"
	"github.com/ntfydesk/ntfydesk/internal/store"
	"github.com/ntfydesk/ntfydesk/internal/syncer"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("ntfydesk starting",
		slog.String("version", Version),
		slog.String("db", cfg.DBPath),
		slog.String("default_server", cfg.DefaultServer),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	keyring, err := secrets.Open(cfg.KeyringBackend, cfg.KeyringDir)
	if err != nil {
		return fmt.Errorf("opening keyring: %w", err)
	}
	creds := secrets.NewCache(keyring)

	client := ntfy.NewClient(nil, logger)
	emitter := &events.LogEmitter{Logger: logger}
	notifier := &sink.LogNotifier{Logger: logger}

	messageSink := sink.New(st, emitter, notifier, logger)
	supervisor := connection.NewSupervisor(st, creds, messageSink, nil, logger)
	defer supervisor.Shutdown()

	reconciler := syncer.New(st, creds, client, supervisor, emitter, logger)
	commands := app.New(st, creds, client, supervisor, reconciler, emitter, logger)

	if err := ensureDefaultServer(ctx, commands, cfg.DefaultServer); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := reconciler.SyncAll(gctx); err != nil {
			logger.Warn("startup sync failed", slog.String("error", err.Error()))
		}

		<-gctx.Done()

		return gctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("ntfydesk stopped")

	return nil
}

// ensureDefaultServer seeds the configured default server on first run
// so new subscriptions have somewhere to go.
func ensureDefaultServer(ctx context.Context, commands *app.App, defaultServer string) error {
	servers, err := commands.Servers()
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}

	if len(servers) > 0 {
		return nil
	}

	if err := commands.AddServer(ctx, defaultServer, "", "", true); err != nil {
		return fmt.Errorf("seeding default server: %w", err)
	}

	return nil
}
