// Package systemd drives the local service manager. All operations query
// actual unit state before acting: reboots and manual admin commands change
// state out of band, so cached beliefs are never trusted.
package systemd

import "context"

// Controller manages a fixed set of named local services.
// This interface enables fake implementations in tests.
type Controller interface {
	// IsActive reports whether the unit is currently active.
	IsActive(ctx context.Context, unit string) (bool, error)

	// EnsureRunning starts and enables the unit if it is not already
	// active. Idempotent: an already-active unit is a no-op success.
	EnsureRunning(ctx context.Context, unit string) error

	// EnsureStopped stops the unit if it is active. Idempotent: an
	// already-inactive unit is a no-op success.
	EnsureStopped(ctx context.Context, unit string) error
}
