// Package main implements the entry point for the LocalLLMGallery server.
// LocalLLMGallery is an operator console for OpenAI-compatible image
// backends: it proxies model discovery, fetches generated images safely
// and keeps them in a durable on-disk gallery.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/Daviszhou212/LocalLLMGallery/config"
	"github.com/Daviszhou212/LocalLLMGallery/gallery"
	"github.com/Daviszhou212/LocalLLMGallery/metric"
	"github.com/Daviszhou212/LocalLLMGallery/server"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "localllmgallery"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "addr", cfg.Addr())
		return nil
	}

	if cfg.LocalToken == "" && !cfg.AllowInsecureLocal {
		logger.Warn("no local token configured, write endpoints are disabled",
			"hint", "set LLMGALLERY_LOCAL_TOKEN or allow_insecure_local")
	}

	store, err := gallery.NewStore(cfg.GalleryDir, gallery.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open gallery store: %w", err)
	}

	metrics := metric.NewRegistry(store.QueueDepth)

	srv := server.New(cfg, store,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithShutdownTimeout(cliCfg.ShutdownTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting LocalLLMGallery",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}
