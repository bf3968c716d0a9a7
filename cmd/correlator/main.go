// Command correlator consumes published detections and serves co-occurrence
// statistics. It is the detection engine binary pinned to the correlator role.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"detection-engine/config"
	"detection-engine/internal/di"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	cfg.Role = config.RoleCorrelator
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config invalid for correlator")
	}

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("app initialization failed")
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Error().Err(err).Msg("app error")
		cleanup()
		os.Exit(1)
	}
}
