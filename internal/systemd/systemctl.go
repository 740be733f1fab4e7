package systemd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultCommandTimeout = 30 * time.Second

// execer runs one systemctl invocation and returns combined output.
// Injectable so tests never need a real systemd.
type execer func(ctx context.Context, args ...string) ([]byte, error)

func systemctlExec(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "systemctl", args...).CombinedOutput()
}

// SystemctlController implements Controller by shelling out to systemctl.
type SystemctlController struct {
	logger  zerolog.Logger
	run     execer
	timeout time.Duration
}

// Option customizes controller behavior.
type Option func(*SystemctlController)

// WithExecer overrides how systemctl is invoked (for tests).
func WithExecer(run execer) Option {
	return func(c *SystemctlController) {
		c.run = run
	}
}

// WithCommandTimeout bounds each systemctl invocation.
func WithCommandTimeout(timeout time.Duration) Option {
	return func(c *SystemctlController) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewSystemctlController constructs a systemctl-backed controller.
func NewSystemctlController(logger zerolog.Logger, opts ...Option) *SystemctlController {
	c := &SystemctlController{
		logger:  logger,
		run:     systemctlExec,
		timeout: defaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsActive reports whether the unit is active right now.
func (c *SystemctlController) IsActive(ctx context.Context, unit string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.run(ctx, "is-active", "--quiet", unit)
	if err == nil {
		return true, nil
	}
	if _, isExit := err.(*exec.ExitError); isExit {
		// Non-zero exit from is-active means inactive/failed/unknown, all
		// of which count as "not active" for reconciliation purposes.
		return false, nil
	}
	return false, classify(unit, "is-active", out, err)
}

// EnsureRunning starts and enables the unit unless it is already active.
func (c *SystemctlController) EnsureRunning(ctx context.Context, unit string) error {
	active, err := c.IsActive(ctx, unit)
	if err != nil {
		return err
	}
	if active {
		c.logger.Debug().Str("unit", unit).Msg("unit already active")
		return nil
	}

	if err := c.command(ctx, unit, "start"); err != nil {
		return err
	}
	// Enable so the unit survives reboot. Enable failure after a successful
	// start is still a start failure for retry purposes.
	if err := c.command(ctx, unit, "enable"); err != nil {
		return err
	}

	c.logger.Info().Str("unit", unit).Msg("started and enabled unit")
	return nil
}

// EnsureStopped stops the unit unless it is already inactive.
func (c *SystemctlController) EnsureStopped(ctx context.Context, unit string) error {
	active, err := c.IsActive(ctx, unit)
	if err != nil {
		return err
	}
	if !active {
		c.logger.Debug().Str("unit", unit).Msg("unit already stopped")
		return nil
	}

	if err := c.command(ctx, unit, "stop"); err != nil {
		return err
	}

	c.logger.Info().Str("unit", unit).Msg("stopped unit")
	return nil
}

func (c *SystemctlController) command(ctx context.Context, unit, verb string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.run(ctx, verb, unit)
	if err != nil {
		return classify(unit, verb, out, err)
	}
	return nil
}

// classify turns systemctl output into the typed failure taxonomy.
func classify(unit, verb string, out []byte, err error) error {
	text := strings.ToLower(strings.TrimSpace(string(out)))
	wrapped := fmt.Errorf("systemctl %s %s: %s: %w", verb, unit, strings.TrimSpace(string(out)), err)

	switch {
	case strings.Contains(text, "not found") || strings.Contains(text, "no such file"):
		return &NotInstalledError{Unit: unit}
	case strings.Contains(text, "access denied") ||
		strings.Contains(text, "permission denied") ||
		strings.Contains(text, "interactive authentication required"):
		return &PermissionError{Unit: unit, Err: wrapped}
	case verb == "stop":
		return &StopError{Unit: unit, Err: wrapped}
	default:
		return &StartError{Unit: unit, Err: wrapped}
	}
}
