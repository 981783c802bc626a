// x402gate - pay-per-call gateway for agent traffic
package main

import (
	"context"
	"os"

	"github.com/mbd888/x402gate/internal/config"
	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config picks the real level and format
	logger := logging.New("info", "text")

	logger.Info("starting x402gate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"base_url", cfg.BaseURL,
		"registry_contract", cfg.RegistryContractID,
		"postgres", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
