// Package resolve maps a node's role set to the local state it implies.
// The mapping is total: any role not present in the table contributes
// nothing, so an unknown or empty role set resolves to zero services and
// zero targets.
package resolve

import (
	"sort"

	"github.com/nholik/role-sentinel/internal/config"
)

// TargetSpec describes one scrape target to advertise for this node.
type TargetSpec struct {
	Address string
	Port    int
	Job     string
	Labels  map[string]string
}

// DesiredState is the local state implied by a role set: the services that
// must run and the targets that must be advertised. Both slices are sorted
// and duplicate-free.
type DesiredState struct {
	Services []string
	Targets  []TargetSpec
}

// Empty reports whether the desired state carries no services and no targets.
func (d DesiredState) Empty() bool {
	return len(d.Services) == 0 && len(d.Targets) == 0
}

// Resolver holds the role mapping table loaded at startup.
type Resolver struct {
	cluster  string
	mappings map[string]config.RoleMapping
	all      []string
}

// New builds a Resolver from the parsed mapping file. The cluster name falls
// back to the given default when the mapping file does not set one.
func New(mf config.MappingFile, defaultCluster string) *Resolver {
	cluster := mf.Cluster
	if cluster == "" {
		cluster = defaultCluster
	}

	mappings := make(map[string]config.RoleMapping, len(mf.Roles))
	allSet := make(map[string]bool)
	for _, m := range mf.Roles {
		mappings[m.Role] = m
		for _, service := range m.Services {
			allSet[service] = true
		}
	}

	all := make([]string, 0, len(allSet))
	for service := range allSet {
		all = append(all, service)
	}
	sort.Strings(all)

	return &Resolver{
		cluster:  cluster,
		mappings: mappings,
		all:      all,
	}
}

// Cluster returns the cluster label applied to advertised targets.
func (r *Resolver) Cluster() string {
	return r.cluster
}

// AllServices returns every service named anywhere in the mapping table,
// sorted. This is the sweep set used to stop units when no role matches.
func (r *Resolver) AllServices() []string {
	return append([]string(nil), r.all...)
}

// Resolve computes the desired state for the given role set. Roles absent
// from the mapping table are ignored; matched roles union their services and
// targets.
func (r *Resolver) Resolve(roles []string) DesiredState {
	serviceSet := make(map[string]bool)
	targetByJob := make(map[string]TargetSpec)

	for _, role := range roles {
		mapping, ok := r.mappings[role]
		if !ok {
			continue
		}
		for _, service := range mapping.Services {
			serviceSet[service] = true
		}
		for _, target := range mapping.Targets {
			spec := TargetSpec{
				Address: target.Address,
				Port:    target.Port,
				Job:     target.Job,
			}
			if len(target.Labels) > 0 {
				spec.Labels = make(map[string]string, len(target.Labels))
				for k, v := range target.Labels {
					spec.Labels[k] = v
				}
			}
			targetByJob[target.Job] = spec
		}
	}

	services := make([]string, 0, len(serviceSet))
	for service := range serviceSet {
		services = append(services, service)
	}
	sort.Strings(services)

	targets := make([]TargetSpec, 0, len(targetByJob))
	for _, spec := range targetByJob {
		targets = append(targets, spec)
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Job < targets[j].Job
	})

	return DesiredState{Services: services, Targets: targets}
}
