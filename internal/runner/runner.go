package runner

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nholik/role-sentinel/internal/discovery"
	"github.com/nholik/role-sentinel/internal/healthcheck"
	"github.com/nholik/role-sentinel/internal/metrics"
	"github.com/nholik/role-sentinel/internal/notify"
	"github.com/nholik/role-sentinel/internal/resolve"
	"github.com/nholik/role-sentinel/internal/roles"
	"github.com/nholik/role-sentinel/internal/state"
	"github.com/nholik/role-sentinel/internal/systemd"
	"github.com/nholik/role-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

// Phase names one state of the reconciliation loop.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseFetching  Phase = "fetching"
	PhaseResolving Phase = "resolving"
	PhaseApplying  Phase = "applying"
	PhaseSleeping  Phase = "sleeping"
)

const (
	defaultMaxStartAttempts = 3
	minCycleBudget          = time.Minute

	backoffInitial       = 5 * time.Second
	backoffMax           = 5 * time.Minute
	backoffRandomization = 0.5
)

// Sleeper blocks for the given duration or until the context is done,
// returning false when interrupted. Injectable so tests control time.
type Sleeper func(ctx context.Context, wait time.Duration) bool

func sleepWithContext(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Runner drives the reconciliation loop for one node: fetch roles, resolve
// desired state, apply the diff against applied state, persist, sleep,
// repeat. Exactly one cycle runs at a time.
type Runner struct {
	logger           zerolog.Logger
	pollInterval     time.Duration
	cycleBudget      time.Duration
	maxStartAttempts int

	fetcher    roles.Fetcher
	resolver   *resolve.Resolver
	controller systemd.Controller
	publisher  discovery.Publisher
	store      state.Store
	notifier   notify.Notifier
	collector  *metrics.Metrics
	tracker    *healthcheck.Tracker

	sleep          Sleeper
	backoffFactory func() backoff.BackOff

	phase   Phase
	applied state.AppliedState
	loaded  bool
	dirty   bool
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithFetcher sets the role source client.
func WithFetcher(fetcher roles.Fetcher) Option {
	return func(r *Runner) { r.fetcher = fetcher }
}

// WithResolver sets the desired-state resolver.
func WithResolver(resolver *resolve.Resolver) Option {
	return func(r *Runner) { r.resolver = resolver }
}

// WithController sets the service controller.
func WithController(controller systemd.Controller) Option {
	return func(r *Runner) { r.controller = controller }
}

// WithPublisher sets the discovery publisher.
func WithPublisher(publisher discovery.Publisher) Option {
	return func(r *Runner) { r.publisher = publisher }
}

// WithStore sets the applied-state store.
func WithStore(store state.Store) Option {
	return func(r *Runner) { r.store = store }
}

// WithNotifier sets the transition notifier.
func WithNotifier(notifier notify.Notifier) Option {
	return func(r *Runner) { r.notifier = notifier }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(r *Runner) { r.collector = collector }
}

// WithTracker sets the healthcheck tracker.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(r *Runner) { r.tracker = tracker }
}

// WithSleeper overrides how the loop waits between cycles.
func WithSleeper(sleep Sleeper) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// WithBackoffFactory overrides the fetch-failure backoff policy.
func WithBackoffFactory(factory func() backoff.BackOff) Option {
	return func(r *Runner) { r.backoffFactory = factory }
}

// WithCycleBudget bounds the duration of a single cycle.
func WithCycleBudget(budget time.Duration) Option {
	return func(r *Runner) {
		if budget > 0 {
			r.cycleBudget = budget
		}
	}
}

// WithMaxStartAttempts caps consecutive failed starts before a unit is
// parked until desired state changes or the unit is seen active.
func WithMaxStartAttempts(attempts int) Option {
	return func(r *Runner) {
		if attempts > 0 {
			r.maxStartAttempts = attempts
		}
	}
}

// New constructs a Runner with the given logger and poll interval.
func New(logger zerolog.Logger, pollInterval time.Duration, opts ...Option) *Runner {
	budget := 2 * pollInterval
	if budget < minCycleBudget {
		budget = minCycleBudget
	}

	r := &Runner{
		logger:           logger,
		pollInterval:     pollInterval,
		cycleBudget:      budget,
		maxStartAttempts: defaultMaxStartAttempts,
		sleep:            sleepWithContext,
		phase:            PhaseIdle,
	}
	r.backoffFactory = defaultBackoffFactory

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func defaultBackoffFactory() backoff.BackOff {
	cfg := backoff.NewExponentialBackOff()
	cfg.InitialInterval = backoffInitial
	cfg.MaxInterval = backoffMax
	cfg.RandomizationFactor = backoffRandomization
	// Never give up; the loop retries for the daemon's lifetime.
	cfg.MaxElapsedTime = 0
	cfg.Reset()
	return cfg
}

// Run starts the loop and blocks until the context is canceled. The first
// cycle is an ordinary resync of whatever the store last recorded.
func (r *Runner) Run(ctx context.Context) error {
	if r.pollInterval <= 0 {
		return errors.New("poll interval must be greater than zero")
	}
	if r.fetcher == nil || r.resolver == nil || r.controller == nil || r.publisher == nil || r.store == nil {
		return errors.New("runner is missing a dependency")
	}

	retryBackoff := r.backoffFactory()

	for {
		err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			r.logger.Info().Msg("runner stopped")
			return nil
		}

		wait := r.pollInterval
		switch {
		case err == nil:
			retryBackoff.Reset()
		case isFetchFailure(err):
			// Jittered backoff keeps a fleet of nodes from hammering the
			// cluster manager in lockstep after a shared outage.
			wait = retryBackoff.NextBackOff()
			r.logger.Warn().Err(err).Dur("retry_in", wait).Msg("role fetch failed, backing off")
		default:
			r.logger.Error().Err(err).Msg("run cycle failed")
		}

		r.setPhase(PhaseSleeping)
		if !r.sleep(ctx, wait) {
			r.logger.Info().Msg("runner stopped")
			return nil
		}
	}
}

// RunOnce executes a single reconciliation cycle under the cycle budget.
func (r *Runner) RunOnce(ctx context.Context) error {
	cycleCtx, cancel := context.WithTimeout(ctx, r.cycleBudget)
	defer cancel()

	started := time.Now()
	err := r.cycle(cycleCtx)
	duration := time.Since(started)

	r.collector.ObserveCycleDuration(duration)

	if errors.Is(cycleCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		r.logger.Error().Dur("budget", r.cycleBudget).Dur("elapsed", duration).Msg("cycle exceeded budget, abandoned")
	}

	return err
}

func (r *Runner) cycle(ctx context.Context) error {
	started := time.Now()

	if !r.loaded {
		applied, err := r.store.Load(ctx)
		if err != nil {
			return err
		}
		r.applied = applied
		r.loaded = true
	}

	r.setPhase(PhaseFetching)
	snapshot, err := r.fetcher.Fetch(ctx)
	if err != nil {
		r.collector.IncRoleFetchError(fetchErrorKind(err))
		return err
	}

	r.setPhase(PhaseResolving)
	desired := r.resolver.Resolve(snapshot.Roles)
	rolesHash := resolve.Fingerprint(snapshot.Roles)

	r.logger.Debug().
		Strs("roles", snapshot.Roles).
		Strs("services", desired.Services).
		Int("targets", len(desired.Targets)).
		Msg("resolved desired state")

	r.setPhase(PhaseApplying)
	prev := r.applied
	next, failures := r.apply(ctx, snapshot, desired, rolesHash)

	// Persist exactly what was confirmed, success or partial: a crash from
	// here on leaves durable state consistent with observed reality. An
	// unchanged cycle writes nothing unless the previous save failed.
	if !appliedEqual(prev, next) || r.dirty {
		next.UpdatedAt = time.Now().UTC()
		if err := r.store.Save(ctx, next); err != nil {
			r.dirty = true
			r.logger.Error().Err(err).Msg("failed to save applied state, retrying next cycle")
		} else {
			r.dirty = false
		}
	}
	r.applied = next

	r.notifyEvents(ctx, snapshot.Hostname, transition.DetectEvents(prev, next, failures.Failures))

	r.collector.SetManagedServices("running", len(next.ServicesStarted))
	r.collector.SetManagedServices("failed", len(failures.Start)+len(failures.Stop))
	if len(failures.Start) == 0 && len(failures.Stop) == 0 && !failures.Publish {
		r.collector.SetLastSuccessfulCycleTimestamp(time.Now().UTC())
	}
	r.tracker.RecordCycle(time.Since(started), len(next.ServicesStarted), snapshot.Roles)

	return nil
}

func (r *Runner) notifyEvents(ctx context.Context, node string, events []transition.Event) {
	if r.notifier == nil || len(events) == 0 {
		return
	}
	if err := r.notifier.Notify(ctx, node, events); err != nil {
		r.logger.Warn().Err(err).Int("events", len(events)).Msg("notification delivery failed")
	}
}

func (r *Runner) setPhase(phase Phase) {
	if r.phase == phase {
		return
	}
	r.logger.Debug().Str("from", string(r.phase)).Str("to", string(phase)).Msg("phase transition")
	r.phase = phase
}

// Phase returns the loop's current phase (for tests).
func (r *Runner) Phase() Phase {
	return r.phase
}

// Applied returns a copy of the in-memory applied state (for tests).
func (r *Runner) Applied() state.AppliedState {
	return cloneApplied(r.applied)
}

func isFetchFailure(err error) bool {
	var authErr *roles.AuthError
	var netErr *roles.NetworkError
	var parseErr *roles.ParseError
	return errors.As(err, &authErr) || errors.As(err, &netErr) || errors.As(err, &parseErr)
}

func fetchErrorKind(err error) string {
	var authErr *roles.AuthError
	var parseErr *roles.ParseError
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &parseErr):
		return "parse"
	default:
		return "network"
	}
}
