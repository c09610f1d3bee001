package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/broker/internal/broker"
	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/broker.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("API Broker %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Printf("Configuration is valid: %d routes, %d apis, %d clients\n",
			len(cfg.Routes), len(cfg.APIs), len(cfg.Clients))
		os.Exit(0)
	}

	logger, err := logging.NewWithOutput(cfg.Logging.Level, cfg.Logging.Output, logging.Rotation{
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting API Broker",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("token_store", cfg.Token.Store),
		zap.Int("routes", len(cfg.Routes)),
		zap.Int("clients", len(cfg.Clients)),
	)

	server, err := broker.NewServer(cfg, *configPath,
		broker.WithLoader(loader),
		broker.WithVersion(version),
	)
	if err != nil {
		logging.Error("Failed to create broker", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
