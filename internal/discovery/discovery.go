// Package discovery publishes per-node scrape-target descriptors into a
// directory shared across all nodes. Each node writes only its own
// <hostname>.json, so no cross-node locking is needed; atomic rename keeps
// partially-written files invisible to concurrently-scanning consumers.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nholik/role-sentinel/internal/resolve"
)

// Entry is one element of the published descriptor. The field names and the
// array-of-objects shape are a wire contract consumed by an external
// file-based discovery mechanism and must not change.
type Entry struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

// Publisher writes and removes this node's descriptor on shared storage.
type Publisher interface {
	// Publish atomically writes the descriptor for the given hostname.
	Publish(ctx context.Context, hostname string, content []byte) error

	// Retract removes the descriptor for the given hostname. Removing a
	// nonexistent descriptor is success.
	Retract(ctx context.Context, hostname string) error
}

// WriteError marks a failed write or removal on shared storage. Retryable.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Render produces the descriptor bytes for the given target specs plus a
// SHA-256 over them. Output is deterministic: entries sorted by job, labels
// emitted in key order by encoding/json. Targets with an empty address
// default to the node's own hostname; every entry carries job, cluster, and
// hostname labels.
func Render(hostname, cluster string, specs []resolve.TargetSpec) ([]byte, string, error) {
	entries := make([]Entry, 0, len(specs))
	for _, spec := range specs {
		address := spec.Address
		if address == "" {
			address = hostname
		}

		labels := map[string]string{
			"job":      spec.Job,
			"cluster":  cluster,
			"hostname": hostname,
		}
		for k, v := range spec.Labels {
			labels[k] = v
		}

		entries = append(entries, Entry{
			Targets: []string{fmt.Sprintf("%s:%d", address, spec.Port)},
			Labels:  labels,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Labels["job"] < entries[j].Labels["job"]
	})

	content, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}
	content = append(content, '\n')

	sum := sha256.Sum256(content)
	return content, hex.EncodeToString(sum[:]), nil
}
