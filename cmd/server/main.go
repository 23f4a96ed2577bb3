// Veilmarket - Anonymous marketplace settlement core
package main

import (
	"context"
	"os"

	"github.com/veilmarket/veilmarket/internal/config"
	"github.com/veilmarket/veilmarket/internal/logging"
	"github.com/veilmarket/veilmarket/internal/server"
	"github.com/veilmarket/veilmarket/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting veilmarket",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"mint", cfg.MintURL,
		"fee_percent", cfg.FeePercent,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTELEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
