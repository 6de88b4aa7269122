package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/internal/service"
	"fundingflow/logger"
)

const (
	statusInterval  = time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Fundingflow.Name,
		"version":     cfg.Fundingflow.Version,
		"environment": config.AppEnvironment(),
		"feed":        cfg.Source.Binance.MarkPrice.URL,
	}).Info("starting fundingflow")

	metricsSrv := metrics.Init(cfg.Metrics.ListenAddr)
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(cw.Region, cw.Namespace, cw.Dashboard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to create funding service")
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start funding service")
		os.Exit(1)
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second, svc.ReportFields)
	}
	go logStatus(ctx, log, svc)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	// svc.Stop drains buffered batches before it cancels its own context.
	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(shutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}
	cancel()

	if metricsSrv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown failed")
		}
		stop()
	}

	log.Info("fundingflow stopped")
}

// logStatus periodically logs the feed state and a statistics summary.
func logStatus(ctx context.Context, log *logger.Log, q service.Querier) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := q.ConnectionStatus()
			stats := q.Statistics()
			entry := log.WithComponent("main").WithFields(logger.Fields{
				"state":              status.State,
				"symbols":            status.MonitoredSymbolCount,
				"reconnect_attempts": status.ReconnectAttempts,
				"average_rate":       stats.AverageRate,
				"max_abs_rate":       stats.MaxAbsRate,
				"above_threshold":    stats.CountAboveDefaultThreshold,
			})
			if !status.Connected {
				entry.Warn("funding feed not connected")
				continue
			}
			entry.Info("funding feed status")
		}
	}
}
