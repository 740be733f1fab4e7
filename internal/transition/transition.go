// Package transition derives notifiable events from consecutive applied
// states. Detection is a pure function so it can be tested without the loop.
package transition

import (
	"sort"

	"github.com/nholik/role-sentinel/internal/state"
)

// EventType labels one kind of reconciliation outcome.
type EventType string

const (
	RolesChanged        EventType = "roles-changed"
	ServiceStarted      EventType = "service-started"
	ServiceStopped      EventType = "service-stopped"
	ServiceStartFailed  EventType = "service-start-failed"
	ServiceStopFailed   EventType = "service-stop-failed"
	DescriptorPublished EventType = "descriptor-published"
	DescriptorRetracted EventType = "descriptor-retracted"
	HostnameChanged     EventType = "hostname-changed"
)

// Event captures one state change performed (or attempted) by a cycle.
type Event struct {
	Type   EventType
	Unit   string
	Detail string
}

// Failures carries the per-unit errors accumulated during one apply pass.
type Failures struct {
	Start map[string]error
	Stop  map[string]error
}

// DetectEvents compares the applied state before and after one cycle and
// emits the transitions worth telling someone about. Output order is
// deterministic: grouped by type in declaration order, units sorted.
func DetectEvents(prev, curr state.AppliedState, failures Failures) []Event {
	var events []Event

	if prev.RolesHash != curr.RolesHash {
		events = append(events, Event{Type: RolesChanged})
	}

	for _, unit := range sortedDiff(curr.ServicesStarted, prev.ServicesStarted) {
		events = append(events, Event{Type: ServiceStarted, Unit: unit})
	}
	for _, unit := range sortedDiff(prev.ServicesStarted, curr.ServicesStarted) {
		// A unit that vanished from the record because its start failed is
		// reported as a failure below, not as a stop.
		if _, failed := failures.Start[unit]; failed {
			continue
		}
		events = append(events, Event{Type: ServiceStopped, Unit: unit})
	}

	for _, unit := range sortedKeys(failures.Start) {
		events = append(events, Event{Type: ServiceStartFailed, Unit: unit, Detail: failures.Start[unit].Error()})
	}
	for _, unit := range sortedKeys(failures.Stop) {
		events = append(events, Event{Type: ServiceStopFailed, Unit: unit, Detail: failures.Stop[unit].Error()})
	}

	switch {
	case prev.PublishedHostname == "" && curr.PublishedHostname != "":
		events = append(events, Event{Type: DescriptorPublished, Detail: curr.PublishedHostname})
	case prev.PublishedHostname != "" && curr.PublishedHostname == "":
		events = append(events, Event{Type: DescriptorRetracted, Detail: prev.PublishedHostname})
	case prev.PublishedHostname != curr.PublishedHostname:
		events = append(events,
			Event{Type: HostnameChanged, Detail: prev.PublishedHostname + " -> " + curr.PublishedHostname})
	case prev.TargetFileHash != curr.TargetFileHash && curr.PublishedHostname != "":
		events = append(events, Event{Type: DescriptorPublished, Detail: curr.PublishedHostname})
	}

	return events
}

func sortedDiff(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, item := range b {
		inB[item] = true
	}
	var diff []string
	for _, item := range a {
		if !inB[item] {
			diff = append(diff, item)
		}
	}
	sort.Strings(diff)
	return diff
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
