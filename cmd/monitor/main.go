package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/config"
	"github.com/SteelMorgan/refliv-monitor/internal/observability"
	"github.com/SteelMorgan/refliv-monitor/internal/service"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logCloser := observability.InitLogger(cfg.LogLevel, cfg.LogFile)
	defer logCloser.Close()

	log.Info().
		Str("version", version).
		Str("store", cfg.StoreDriver).
		Msg("Starting REFLIV monitor")

	ctx := context.Background()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Protocol:       cfg.OTLPProtocol,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdownTracer(context.Background())
	}

	svc, err := service.NewMonitorService(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create monitor service")
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing resources")
		}
	}()

	if n, err := svc.SeedPolicies(ctx); err != nil {
		log.Error().Err(err).Str("file", cfg.FoldersFile).Msg("Failed to seed folder policies")
	} else if n > 0 {
		log.Info().Int("folders", n).Msg("Folder policies seeded")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if cfg.Autostart {
		if err := svc.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start monitor")
			return
		}
	} else {
		log.Info().Msg("Autostart disabled, waiting for shutdown signal")
	}

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Graceful shutdown
	if err := svc.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}

	log.Info().Msg("Monitor stopped")
}
