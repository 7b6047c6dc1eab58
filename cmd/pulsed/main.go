package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campuspulse/pulse/config"
	"github.com/campuspulse/pulse/internal/broker"
	"github.com/campuspulse/pulse/internal/coordinator"
	"github.com/campuspulse/pulse/internal/notifier"
	"github.com/campuspulse/pulse/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the service configuration file (defaults apply when empty)")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			slog.Error("Failed to load configuration", "path", configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	b := broker.New(cfg.Sessions, logger)
	changes := notifier.New(b.Intake(), logger)
	coord := coordinator.New(st, changes, logger, coordinator.Config{
		AllowRejoin: cfg.Registration.AllowRejoin,
	})
	gateway := broker.NewGateway(cfg, b, coord, changes, st, logger)

	srv := &http.Server{
		Addr:         cfg.HttpBinding,
		Handler:      gateway.Router(),
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("pulsed listening", "binding", cfg.HttpBinding, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server exited with error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
	}
	gateway.Stop()
	logger.Info("Stopped")
}

func buildStore(ctx context.Context, cfg *config.Service, logger *slog.Logger) (store.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		logger.Info("Connecting to postgres",
			"host", cfg.Storage.Postgres.Host, "db", cfg.Storage.Postgres.DBName)
		return store.NewPostgres(ctx, cfg.Storage.Postgres)
	default:
		return store.NewMemory(), nil
	}
}
