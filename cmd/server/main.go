// Quantum Financial Firewall - risk scoring, quantum-safe sessions and a tamper-evident ledger
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/qff/internal/config"
	"github.com/mbd888/qff/internal/logging"
	"github.com/mbd888/qff/internal/server"
	"github.com/mbd888/qff/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting qff",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"pqc_backend", cfg.PQCBackend,
		"kafka", cfg.KafkaEnabled(),
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	return nil
}
