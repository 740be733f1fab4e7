package systemd

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunController logs intended actions without touching the service
// manager. Probes delegate to the inner controller so logged decisions
// reflect real unit state.
type DryRunController struct {
	logger zerolog.Logger
	inner  Controller
}

// NewDryRunController wraps a controller in dry-run mode.
func NewDryRunController(logger zerolog.Logger, inner Controller) *DryRunController {
	return &DryRunController{logger: logger, inner: inner}
}

// IsActive delegates to the inner controller.
func (c *DryRunController) IsActive(ctx context.Context, unit string) (bool, error) {
	return c.inner.IsActive(ctx, unit)
}

// EnsureRunning logs instead of starting.
func (c *DryRunController) EnsureRunning(ctx context.Context, unit string) error {
	active, err := c.inner.IsActive(ctx, unit)
	if err == nil && active {
		return nil
	}
	c.logger.Info().Str("unit", unit).Msg("[DRY-RUN] would start and enable unit")
	return nil
}

// EnsureStopped logs instead of stopping.
func (c *DryRunController) EnsureStopped(ctx context.Context, unit string) error {
	active, err := c.inner.IsActive(ctx, unit)
	if err == nil && !active {
		return nil
	}
	c.logger.Info().Str("unit", unit).Msg("[DRY-RUN] would stop unit")
	return nil
}
