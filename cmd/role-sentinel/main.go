package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nholik/role-sentinel/internal/config"
	"github.com/nholik/role-sentinel/internal/daemon"
	"github.com/nholik/role-sentinel/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New()
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.NewWithLevel(cfg.LogLevel)
	logger.Info().
		Dur("poll_interval", cfg.PollInterval).
		Str("targets_dir", cfg.TargetsDir).
		Int("headnodes", len(cfg.HeadnodeURLs)).
		Bool("dry_run", cfg.DryRun).
		Msg("role-sentinel starting")

	d, err := daemon.New(logger, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}

	logger.Info().Msg("role-sentinel stopped")
}
