package discovery

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunPublisher logs intended writes without touching shared storage.
type DryRunPublisher struct {
	logger zerolog.Logger
}

// NewDryRunPublisher returns a publisher that only logs.
func NewDryRunPublisher(logger zerolog.Logger) *DryRunPublisher {
	return &DryRunPublisher{logger: logger}
}

// Publish logs instead of writing.
func (p *DryRunPublisher) Publish(_ context.Context, hostname string, content []byte) error {
	p.logger.Info().Str("hostname", hostname).Int("bytes", len(content)).Msg("[DRY-RUN] would publish discovery descriptor")
	return nil
}

// Retract logs instead of removing.
func (p *DryRunPublisher) Retract(_ context.Context, hostname string) error {
	p.logger.Info().Str("hostname", hostname).Msg("[DRY-RUN] would retract discovery descriptor")
	return nil
}
