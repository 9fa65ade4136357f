package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/abubuhammad/georgy-realtime/internal/engine"
	"github.com/abubuhammad/georgy-realtime/internal/notify"
	"github.com/abubuhammad/georgy-realtime/internal/server"
	"github.com/abubuhammad/georgy-realtime/internal/store"
	"github.com/abubuhammad/georgy-realtime/pkg/config"
	"github.com/abubuhammad/georgy-realtime/pkg/logging"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/nats-io/nats.go"
)

func main() {
	logger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	db, err := store.Open(cfg.Database.DSN, cfg.Database.AutoMigrate, logger)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}

	var (
		nc      *nats.Conn
		offline engine.OfflineNotifier = notify.NewLogNotifier(logger)
	)
	if cfg.Notify.NATSURL != "" {
		nc, err = notify.Connect(cfg.Notify.NATSURL, logger)
		if err != nil {
			logger.Error("Failed to connect to NATS", slog.Any("error", err))
			os.Exit(1)
		}
		offline = notify.NewNATSNotifier(nc, cfg.Notify.Subject, logger)
	}

	app, err := server.NewApp(logger, cfg, db, offline)
	if err != nil {
		logger.Error("Failed to build application", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Start(context.Background()); err != nil {
		logger.Error("Failed to start application", slog.Any("error", err))
		os.Exit(1)
	}

	var natsConn drainer
	if nc != nil {
		natsConn = nc
	}
	// the store and NATS close only after the app has stopped.
	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"application": func(ctx context.Context) error {
				return stopApplication(ctx, app, db, natsConn)
			},
		},
	)

	exitCode := <-wait
	logger.Info("Application exited", slog.Int("code", exitCode))
	os.Exit(exitCode)
}

type stopper interface {
	Shutdown(ctx context.Context) error
}

type closer interface {
	Close() error
}

type drainer interface {
	Drain() error
}

// stopApplication stops the app first, then drains NATS and closes the store.
// nc may be nil.
func stopApplication(ctx context.Context, app stopper, db closer, nc drainer) error {
	if err := app.Shutdown(ctx); err != nil {
		return err
	}
	var errs []error
	if nc != nil {
		if err := nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain nats: %w", err))
		}
	}
	if err := db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	return errors.Join(errs...)
}
