package runner

import (
	"context"
	"errors"

	"github.com/nholik/role-sentinel/internal/discovery"
	"github.com/nholik/role-sentinel/internal/resolve"
	"github.com/nholik/role-sentinel/internal/roles"
	"github.com/nholik/role-sentinel/internal/state"
	"github.com/nholik/role-sentinel/internal/systemd"
	"github.com/nholik/role-sentinel/internal/transition"
)

// applyFailures accumulates the per-target errors of one apply pass.
type applyFailures struct {
	transition.Failures
	Publish bool
}

func newApplyFailures() applyFailures {
	return applyFailures{
		Failures: transition.Failures{
			Start: make(map[string]error),
			Stop:  make(map[string]error),
		},
	}
}

// apply diffs the desired state against the applied state and drives the
// service controller and discovery publisher toward it. Each service is
// reconciled independently; one failure never blocks the rest. The returned
// state records exactly what was confirmed.
func (r *Runner) apply(ctx context.Context, snapshot roles.Snapshot, desired resolve.DesiredState, rolesHash string) (state.AppliedState, applyFailures) {
	failures := newApplyFailures()

	next := cloneApplied(r.applied)
	rolesChanged := next.RolesHash != rolesHash
	next.RolesHash = rolesHash
	if rolesChanged {
		// A new desired state resets retry bookkeeping: parked units get a
		// fresh chance, and stale counts for undesired units are dropped.
		next.StartFailures = nil
	}

	r.applyServices(ctx, desired, rolesChanged, &next, &failures)
	r.applyTargets(ctx, snapshot.Hostname, desired, rolesChanged, &next, &failures)

	return next, failures
}

func (r *Runner) applyServices(ctx context.Context, desired resolve.DesiredState, rolesChanged bool, next *state.AppliedState, failures *applyFailures) {
	desiredSet := make(map[string]bool, len(desired.Services))
	for _, unit := range desired.Services {
		desiredSet[unit] = true
	}

	for _, unit := range desired.Services {
		// Already confirmed under this role set: no controller call at all.
		if !rolesChanged && next.HasService(unit) {
			continue
		}
		r.ensureRunning(ctx, unit, next, failures)
	}

	// Confirmed-running units the desired state no longer wants.
	for _, unit := range r.applied.ServicesStarted {
		if desiredSet[unit] {
			continue
		}
		r.ensureStopped(ctx, unit, next, failures)
	}

	// When the role moved to an empty desired set, sweep every service the
	// mapping table knows about. The applied record alone cannot be trusted
	// here: a deleted state file must not strand running units.
	if rolesChanged && len(desired.Services) == 0 {
		swept := make(map[string]bool, len(r.applied.ServicesStarted))
		for _, unit := range r.applied.ServicesStarted {
			swept[unit] = true
		}
		for _, unit := range r.resolver.AllServices() {
			if swept[unit] {
				continue
			}
			r.ensureStopped(ctx, unit, next, failures)
		}
	}
}

func (r *Runner) ensureRunning(ctx context.Context, unit string, next *state.AppliedState, failures *applyFailures) {
	if next.StartFailures[unit] >= r.maxStartAttempts {
		// Parked after repeated failures. Only an out-of-band recovery
		// (someone fixed and started the unit) unparks it.
		active, err := r.controller.IsActive(ctx, unit)
		if err == nil && active {
			r.logger.Info().Str("unit", unit).Msg("parked unit is active again, resuming management")
			delete(next.StartFailures, unit)
			next.AddService(unit)
			return
		}
		r.logger.Debug().Str("unit", unit).Int("attempts", next.StartFailures[unit]).Msg("unit parked after repeated start failures")
		return
	}

	if err := r.controller.EnsureRunning(ctx, unit); err != nil {
		failures.Start[unit] = err
		next.RemoveService(unit)
		if next.StartFailures == nil {
			next.StartFailures = make(map[string]int)
		}
		next.StartFailures[unit]++
		r.collector.IncServiceAction(unit, "start", "error")
		r.logServiceError(unit, "start", err, next.StartFailures[unit])
		return
	}

	next.AddService(unit)
	delete(next.StartFailures, unit)
	r.collector.IncServiceAction(unit, "start", "ok")
}

func (r *Runner) ensureStopped(ctx context.Context, unit string, next *state.AppliedState, failures *applyFailures) {
	if err := r.controller.EnsureStopped(ctx, unit); err != nil {
		failures.Stop[unit] = err
		r.collector.IncServiceAction(unit, "stop", "error")
		r.logServiceError(unit, "stop", err, 0)
		return
	}
	next.RemoveService(unit)
	delete(next.StartFailures, unit)
	r.collector.IncServiceAction(unit, "stop", "ok")
}

func (r *Runner) logServiceError(unit, action string, err error, attempts int) {
	event := r.logger.Error().Err(err).Str("unit", unit).Str("action", action)
	if attempts > 0 {
		event = event.Int("attempts", attempts).Int("max_attempts", r.maxStartAttempts)
	}

	var notInstalled *systemd.NotInstalledError
	var permission *systemd.PermissionError
	switch {
	case errors.As(err, &notInstalled):
		event.Msg("unit not installed")
	case errors.As(err, &permission):
		event.Msg("service manager denied access")
	default:
		event.Msg("service action failed")
	}
}

func (r *Runner) applyTargets(ctx context.Context, hostname string, desired resolve.DesiredState, rolesChanged bool, next *state.AppliedState, failures *applyFailures) {
	hostname = roles.ShortHostname(hostname)

	if len(desired.Targets) == 0 {
		r.retractTargets(ctx, hostname, rolesChanged, next, failures)
		return
	}

	// Leftovers from earlier failed retracts are retried every cycle until
	// shared storage confirms them gone; stale descriptors never orphan.
	r.retractPending(ctx, hostname, next, failures)

	content, hash, err := discovery.Render(hostname, r.resolver.Cluster(), desired.Targets)
	if err != nil {
		failures.Publish = true
		r.collector.IncDiscoveryWrite("publish", "error")
		r.logger.Error().Err(err).Msg("failed to render discovery descriptor")
		return
	}

	// Unchanged content under the same name: zero writes.
	if next.PublishedHostname == hostname && next.TargetFileHash == hash {
		return
	}

	// Hostname changed: the old descriptor is removed in the same cycle
	// that publishes the new one. A failed removal is queued and retried
	// next cycle; it never blocks the publish under the new name.
	if next.PublishedHostname != "" && next.PublishedHostname != hostname {
		if err := r.publisher.Retract(ctx, next.PublishedHostname); err != nil {
			failures.Publish = true
			r.collector.IncDiscoveryWrite("retract", "error")
			r.logger.Error().Err(err).Str("hostname", next.PublishedHostname).Msg("failed to retract stale descriptor, will retry")
			next.AddPendingRetract(next.PublishedHostname)
		} else {
			r.collector.IncDiscoveryWrite("retract", "ok")
		}
	}

	if err := r.publisher.Publish(ctx, hostname, content); err != nil {
		failures.Publish = true
		r.collector.IncDiscoveryWrite("publish", "error")
		r.logger.Error().Err(err).Str("hostname", hostname).Msg("failed to publish descriptor")
		// Nothing confirmed under the new name; keep whatever the retract
		// outcome left recorded so the next cycle retries from reality.
		if next.PublishedHostname != hostname {
			next.PublishedHostname = ""
			next.TargetFileHash = ""
		}
		return
	}

	next.PublishedHostname = hostname
	next.TargetFileHash = hash
	r.collector.IncDiscoveryWrite("publish", "ok")
}

func (r *Runner) retractTargets(ctx context.Context, hostname string, rolesChanged bool, next *state.AppliedState, failures *applyFailures) {
	// Retract the recorded name and, on a role change, the current
	// hostname: a crash between publish and save can leave a descriptor on
	// shared storage that the record never captured.
	recorded := next.PublishedHostname
	if recorded != "" {
		if err := r.publisher.Retract(ctx, recorded); err != nil {
			failures.Publish = true
			r.collector.IncDiscoveryWrite("retract", "error")
			r.logger.Error().Err(err).Str("hostname", recorded).Msg("failed to retract descriptor, will retry")
		} else {
			r.collector.IncDiscoveryWrite("retract", "ok")
			next.PublishedHostname = ""
			next.TargetFileHash = ""
		}
	}
	if rolesChanged && hostname != recorded {
		next.AddPendingRetract(hostname)
	}

	r.retractPending(ctx, "", next, failures)
}

// retractPending retries descriptor removals that failed in earlier cycles.
// keep names the descriptor about to be published this cycle; it is dropped
// from the queue without a removal, since the publish overwrites it.
func (r *Runner) retractPending(ctx context.Context, keep string, next *state.AppliedState, failures *applyFailures) {
	if len(next.PendingRetracts) == 0 {
		return
	}

	var remaining []string
	for _, name := range next.PendingRetracts {
		if name == keep {
			continue
		}
		if err := r.publisher.Retract(ctx, name); err != nil {
			failures.Publish = true
			r.collector.IncDiscoveryWrite("retract", "error")
			r.logger.Error().Err(err).Str("hostname", name).Msg("failed to retract descriptor, will retry")
			remaining = append(remaining, name)
			continue
		}
		r.collector.IncDiscoveryWrite("retract", "ok")
	}
	next.PendingRetracts = remaining
}

// appliedEqual compares the durable fields of two applied states,
// ignoring UpdatedAt.
func appliedEqual(a, b state.AppliedState) bool {
	if a.RolesHash != b.RolesHash ||
		a.PublishedHostname != b.PublishedHostname ||
		a.TargetFileHash != b.TargetFileHash {
		return false
	}
	if len(a.ServicesStarted) != len(b.ServicesStarted) {
		return false
	}
	for i, unit := range a.ServicesStarted {
		if b.ServicesStarted[i] != unit {
			return false
		}
	}
	if len(a.StartFailures) != len(b.StartFailures) {
		return false
	}
	for unit, count := range a.StartFailures {
		if b.StartFailures[unit] != count {
			return false
		}
	}
	if len(a.PendingRetracts) != len(b.PendingRetracts) {
		return false
	}
	for i, name := range a.PendingRetracts {
		if b.PendingRetracts[i] != name {
			return false
		}
	}
	return true
}

func cloneApplied(applied state.AppliedState) state.AppliedState {
	clone := applied
	clone.ServicesStarted = append([]string(nil), applied.ServicesStarted...)
	clone.PendingRetracts = append([]string(nil), applied.PendingRetracts...)
	if applied.StartFailures != nil {
		clone.StartFailures = make(map[string]int, len(applied.StartFailures))
		for unit, count := range applied.StartFailures {
			clone.StartFailures[unit] = count
		}
	}
	return clone
}
