package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flstack/netplane/internal/api"
	"github.com/flstack/netplane/internal/collector"
	"github.com/flstack/netplane/internal/config"
	"github.com/flstack/netplane/internal/monitor"
	"github.com/flstack/netplane/internal/policyclient"
	"github.com/flstack/netplane/internal/sdnclient"
	"github.com/flstack/netplane/internal/selfmetrics"
	"github.com/flstack/netplane/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("COLLECTOR_CONFIG"), "path to a JSON or YAML config file")
	flag.Parse()

	// A .env next to the binary overrides nothing already exported.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting netplane collector",
		"fl_server", cfg.FLServerURL,
		"policy_engine", cfg.PolicyEngineURL,
		"sdn_controller", cfg.SDNControllerURL,
		"training_mode", cfg.TrainingMode,
	)

	store, err := storage.Open(cfg.MetricsOutputDir, storage.Options{
		MetricsRetentionDays: cfg.Storage.MetricsRetentionDays,
		EventsRetentionDays:  cfg.Storage.EventsRetentionDays,
		Logger:               logger,
	})
	if err != nil {
		logger.Error("could not open metric store", "dir", cfg.MetricsOutputDir, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	metrics := selfmetrics.New(nil)
	fl := monitor.NewFLClient(cfg.FLServerURL, logger)
	pe := policyclient.New(cfg.PolicyEngineURL, logger)
	sdn := sdnclient.New(cfg.SDNControllerURL, logger)

	sched := collector.New(cfg, store, fl, pe, sdn, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var apiSrv *api.Server
	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		apiSrv = api.New(cfg, store, sched.Network, sched.FL, fl, pe, sdn, metrics, logger)
		go func() {
			if err := apiSrv.Start(); err != nil {
				logger.Error("api server failed", "error", err)
				apiErr <- err
				stop()
			}
		}()
	}

	err = sched.Run(ctx)

	if apiSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if shutdownErr := apiSrv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("api shutdown incomplete", "error", shutdownErr)
		}
		cancel()
	}

	if err != nil {
		logger.Error("collector exited with error", "error", err)
		os.Exit(1)
	}
	// A serve failure (a taken port, usually) canceled the run; that is a
	// startup failure, not a clean shutdown.
	select {
	case <-apiErr:
		os.Exit(1)
	default:
	}
	logger.Info("shutdown complete")
}

// logLevel is the process-wide level; LOG_LEVEL sets it once at startup.
var logLevel = new(slog.LevelVar)

func newLogger(level string) *slog.Logger {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
