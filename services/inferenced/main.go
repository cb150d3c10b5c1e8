package inferenced

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"inferpay/observability/logging"
	telemetry "inferpay/observability/otel"
)

// Main initialises and runs the inference escrow daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/inferenced/config.yaml", "path to inferenced configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithFile("inferenced", cfg.Environment, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("inferenced", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(stopCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if app.Scheduler != nil {
		go app.Scheduler.Start(stopCtx)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      app.Server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("inferenced listening",
			slog.String("addr", cfg.ListenAddress),
			slog.Int("providers", len(cfg.Providers)))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
