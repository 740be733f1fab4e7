// Package roles fetches this node's role membership from the cluster
// manager's management API.
package roles

import (
	"context"
	"time"
)

// Snapshot captures the node's role membership at one point in time.
// Roles are sorted and duplicate-free.
type Snapshot struct {
	Roles     []string
	Hostname  string
	FetchedAt time.Time
}

// HasRole reports whether the snapshot contains the given role.
func (s Snapshot) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Fetcher retrieves the current role snapshot for the local node.
// This interface enables fake implementations in tests.
type Fetcher interface {
	Fetch(ctx context.Context) (Snapshot, error)
}
