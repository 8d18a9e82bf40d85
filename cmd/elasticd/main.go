// Package main is the entry point for the elasticd daemon.
// elasticd takes scaling directives from NATS, drives cluster coordinators
// over SSH and exports Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tOgg1/elastic/internal/config"
	"github.com/tOgg1/elastic/internal/elasticd"
	"github.com/tOgg1/elastic/internal/logging"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configFile := flag.String("config", "", "config file (default is $HOME/.config/elastic/config.yaml)")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	natsURL := flag.String("nats-url", "", "override bus.url")
	metricsListen := flag.String("metrics-listen", "", "override metrics.listen")
	flag.Parse()

	cfg, loader, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *natsURL != "" {
		cfg.Bus.URL = *natsURL
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}

	logging.Init(cfg.LoggingSettings())
	logger := logging.Component("elasticd")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("elasticd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, err := elasticd.New(ctx, cfg, logger, elasticd.Options{})
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize elasticd")
		os.Exit(1)
	}

	runErr := daemon.Run(ctx)
	if err := daemon.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close elasticd")
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("elasticd exited with error")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
