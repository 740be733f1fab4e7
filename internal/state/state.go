package state

import (
	"context"
	"sort"
	"time"
)

// AppliedState records what was actually confirmed applied on this node,
// never intention. It is the diff baseline for the next reconciliation
// cycle; deleting the backing file forces a full resync.
type AppliedState struct {
	// RolesHash fingerprints the role set the recorded state was applied
	// for. A changed hash invalidates per-service success records.
	RolesHash string `json:"roles_hash"`

	// ServicesStarted lists units confirmed running, sorted.
	ServicesStarted []string `json:"services_started"`

	// PublishedHostname names the descriptor file currently on shared
	// storage, empty when none. Drives stale-file cleanup on hostname
	// change.
	PublishedHostname string `json:"published_hostname"`

	// TargetFileHash fingerprints the published descriptor content.
	TargetFileHash string `json:"target_file_hash"`

	// StartFailures counts consecutive failed start attempts per unit.
	StartFailures map[string]int `json:"start_failures,omitempty"`

	// PendingRetracts names descriptors whose removal failed and must be
	// retried until shared storage confirms them gone.
	PendingRetracts []string `json:"pending_retracts,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// HasService reports whether the unit is recorded as confirmed running.
func (s AppliedState) HasService(unit string) bool {
	for _, started := range s.ServicesStarted {
		if started == unit {
			return true
		}
	}
	return false
}

// AddService records a unit as confirmed running, keeping the list sorted.
func (s *AppliedState) AddService(unit string) {
	if s.HasService(unit) {
		return
	}
	s.ServicesStarted = append(s.ServicesStarted, unit)
	sort.Strings(s.ServicesStarted)
}

// RemoveService drops a unit from the confirmed-running record.
func (s *AppliedState) RemoveService(unit string) {
	kept := s.ServicesStarted[:0]
	for _, started := range s.ServicesStarted {
		if started != unit {
			kept = append(kept, started)
		}
	}
	s.ServicesStarted = kept
}

// AddPendingRetract queues a descriptor name for retract retry, keeping the
// list sorted and duplicate-free.
func (s *AppliedState) AddPendingRetract(hostname string) {
	for _, name := range s.PendingRetracts {
		if name == hostname {
			return
		}
	}
	s.PendingRetracts = append(s.PendingRetracts, hostname)
	sort.Strings(s.PendingRetracts)
}

// Store defines the interface for persisting applied state.
type Store interface {
	Load(ctx context.Context) (AppliedState, error)
	Save(ctx context.Context, applied AppliedState) error
}
