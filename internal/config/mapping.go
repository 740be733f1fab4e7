package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TargetMapping describes one scrape target advertised while a role is held.
// Address defaults to the node's own hostname when empty.
type TargetMapping struct {
	Job     string            `yaml:"job"`
	Port    int               `yaml:"port"`
	Address string            `yaml:"address,omitempty"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// RoleMapping binds one cluster-manager role to the services that must run
// and the targets that must be advertised while the node holds that role.
type RoleMapping struct {
	Role     string          `yaml:"role"`
	Services []string        `yaml:"services"`
	Targets  []TargetMapping `yaml:"targets,omitempty"`
}

// MappingFile is the parsed YAML structure for the role mapping table:
// cluster: <name>
// roles: [{role, services, targets}]
type MappingFile struct {
	Cluster string        `yaml:"cluster,omitempty"`
	Roles   []RoleMapping `yaml:"roles"`
}

// LoadMappingFile parses the role mapping table from the given path.
func LoadMappingFile(path string) (MappingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MappingFile{}, fmt.Errorf("read mapping file: %w", err)
	}

	var mf MappingFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return MappingFile{}, fmt.Errorf("parse mapping file: %w", err)
	}

	if err := validateMappings(mf.Roles); err != nil {
		return MappingFile{}, err
	}

	return mf, nil
}

// validateMappings ensures all role mappings are valid.
func validateMappings(mappings []RoleMapping) error {
	if len(mappings) == 0 {
		return fmt.Errorf("mapping file contains no roles")
	}

	seen := make(map[string]bool)

	for i, m := range mappings {
		if m.Role == "" {
			return fmt.Errorf("role %d: role name is required", i)
		}

		if seen[m.Role] {
			return fmt.Errorf("role %q: duplicate entry", m.Role)
		}
		seen[m.Role] = true

		if len(m.Services) == 0 && len(m.Targets) == 0 {
			return fmt.Errorf("role %q: must map to at least one service or target", m.Role)
		}

		seenService := make(map[string]bool)
		for _, service := range m.Services {
			if service == "" {
				return fmt.Errorf("role %q: empty service name", m.Role)
			}
			if seenService[service] {
				return fmt.Errorf("role %q: duplicate service %q", m.Role, service)
			}
			seenService[service] = true
		}

		seenJob := make(map[string]bool)
		for _, target := range m.Targets {
			if target.Job == "" {
				return fmt.Errorf("role %q: target job is required", m.Role)
			}
			if target.Port <= 0 || target.Port > 65535 {
				return fmt.Errorf("role %q: target %q: port must be between 1 and 65535", m.Role, target.Job)
			}
			if seenJob[target.Job] {
				return fmt.Errorf("role %q: duplicate target job %q", m.Role, target.Job)
			}
			seenJob[target.Job] = true
		}
	}

	return nil
}
