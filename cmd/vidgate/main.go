// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ManuGH/vidgate/internal/config"
	"github.com/ManuGH/vidgate/internal/daemon"
	xglog "github.com/ManuGH/vidgate/internal/log"
	"github.com/ManuGH/vidgate/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Safe defaults until config is loaded
	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "vidgate",
		Version: version.Version,
	})
	logger := xglog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(config.EnvPrefix + "CONFIG"))
	}

	loader := config.NewLoader(path, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(xglog.FieldEvent, "config.load_failed").
			Str("config_path", path).
			Msg("failed to load configuration")
	}

	xglog.Configure(xglog.Config{
		Level:   cfg.LogLevel,
		Service: "vidgate",
		Version: cfg.Version,
	})
	logger = xglog.WithComponent("main")

	source := "env+defaults"
	if path != "" {
		source = "file"
	}
	logger.Info().
		Str(xglog.FieldEvent, "config.loaded").
		Str("source", source).
		Str("path", path).
		Msg("configuration loaded")

	holder := config.NewConfigHolder(cfg, loader)
	app, err := daemon.Build(ctx, holder, daemon.Options{})
	if err != nil {
		logger.Fatal().Err(err).Str(xglog.FieldEvent, "startup.failed").Msg("failed to start gateway")
	}

	logger.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("listen", cfg.Server.ListenAddr).
		Msg("starting vidgate")

	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "shutdown.error").Msg("vidgate stopped with errors")
		os.Exit(1)
	}
	logger.Info().Str(xglog.FieldEvent, "shutdown.complete").Msg("vidgate stopped")
}
