// Package daemon assembles the reconciliation loop from configuration and
// runs it alongside the optional health/metrics servers.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nholik/role-sentinel/internal/config"
	"github.com/nholik/role-sentinel/internal/discovery"
	"github.com/nholik/role-sentinel/internal/healthcheck"
	"github.com/nholik/role-sentinel/internal/metrics"
	"github.com/nholik/role-sentinel/internal/notify"
	"github.com/nholik/role-sentinel/internal/resolve"
	"github.com/nholik/role-sentinel/internal/roles"
	"github.com/nholik/role-sentinel/internal/runner"
	"github.com/nholik/role-sentinel/internal/server"
	"github.com/nholik/role-sentinel/internal/state"
	"github.com/nholik/role-sentinel/internal/systemd"
	"github.com/rs/zerolog"
)

// Daemon owns the wired-up runner and its collaborators.
type Daemon struct {
	logger  zerolog.Logger
	cfg     config.Config
	runner  *runner.Runner
	tracker *healthcheck.Tracker
	metrics *metrics.Metrics
}

// New builds a daemon from configuration. Errors here are startup
// configuration errors and are fatal; nothing past this point is.
func New(logger zerolog.Logger, cfg config.Config) (*Daemon, error) {
	hostname := cfg.Hostname
	if hostname == "" {
		detected, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("detect hostname: %w", err)
		}
		hostname = detected
	}
	hostname = roles.ShortHostname(hostname)

	mappingFile, err := config.LoadMappingFile(cfg.MappingFile)
	if err != nil {
		return nil, err
	}
	resolver := resolve.New(mappingFile, cfg.ClusterName)

	// The state directory reflects this node's own actions; not being able
	// to create it means the loop can never be crash-safe. Fatal.
	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	// The shared targets directory is usually pre-provisioned on cluster
	// storage; try to create it but let the publisher retry per cycle.
	if err := os.MkdirAll(cfg.TargetsDir, 0o755); err != nil {
		logger.Warn().Err(err).Str("dir", cfg.TargetsDir).Msg("cannot create targets directory, publishes will fail until it exists")
	}

	fetcher, err := roles.NewHTTPFetcher(
		logger.With().Str("component", "roles").Logger(),
		cfg.HeadnodeURLs, cfg.CertPath, cfg.KeyPath, hostname, cfg.FetchTimeout,
	)
	if err != nil {
		return nil, err
	}

	var controller systemd.Controller = systemd.NewSystemctlController(
		logger.With().Str("component", "systemd").Logger(),
	)
	var publisher discovery.Publisher = discovery.NewFilePublisher(
		cfg.TargetsDir,
		logger.With().Str("component", "discovery").Logger(),
	)
	if cfg.DryRun {
		logger.Info().Msg("dry-run mode: no services or files will be touched")
		controller = systemd.NewDryRunController(logger, controller)
		publisher = discovery.NewDryRunPublisher(logger)
	}

	store := state.NewFileStore(cfg.StatePath, logger.With().Str("component", "state").Logger())

	notifier, err := buildNotifier(logger, cfg)
	if err != nil {
		return nil, err
	}

	collector := metrics.New()
	tracker := healthcheck.NewTracker()

	loop := runner.New(
		logger.With().Str("component", "runner").Str("hostname", hostname).Logger(),
		cfg.PollInterval,
		runner.WithFetcher(fetcher),
		runner.WithResolver(resolver),
		runner.WithController(controller),
		runner.WithPublisher(publisher),
		runner.WithStore(store),
		runner.WithNotifier(notifier),
		runner.WithMetrics(collector),
		runner.WithTracker(tracker),
	)

	return &Daemon{
		logger:  logger,
		cfg:     cfg,
		runner:  loop,
		tracker: tracker,
		metrics: collector,
	}, nil
}

func buildNotifier(logger zerolog.Logger, cfg config.Config) (notify.Notifier, error) {
	if cfg.DryRun {
		return notify.NewDryRunNotifier(logger), nil
	}

	notifiers := []notify.Notifier{
		notify.NewSlackNotifier(logger.With().Str("component", "slack").Logger(), cfg.SlackWebhookURL),
	}

	webhook, err := notify.NewWebhookNotifier(logger.With().Str("component", "webhook").Logger(), cfg.WebhookURL, cfg.WebhookTemplate)
	if err != nil {
		return nil, err
	}
	if webhook != nil {
		notifiers = append(notifiers, webhook)
	}

	return notify.NewMultiNotifier(notifiers...), nil
}

// Run starts the servers and the loop, blocking until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	server.Start(ctx, d.logger, d.cfg.PollInterval, d.tracker, d.metrics, d.cfg.HealthPort, d.cfg.MetricsPort)
	return d.runner.Run(ctx)
}
