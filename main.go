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

	"quoteflow/config"
	"quoteflow/internal/metrics"
	"quoteflow/internal/orchestrator"
	"quoteflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath(), "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Quoteflow.Name,
		"version": cfg.Quoteflow.Version,
		"venues":  cfg.EnabledVenues(),
	}).Info("starting quoteflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		log.WithError(err).Error("Failed to build orchestrator")
		os.Exit(1)
	}

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
		if err := <-done; err != nil {
			log.WithError(err).Error("shutdown finished with error")
			os.Exit(1)
		}
	case err := <-done:
		if err != nil {
			log.WithError(err).Error("orchestrator failed")
			os.Exit(1)
		}
	}

	log.Info("quoteflow stopped")
}
