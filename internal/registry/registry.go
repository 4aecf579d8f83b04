// Package registry loads the static mapping of managed artifacts to their
// binary filenames and owning Windows services. The registry is provisioned
// by the installer; this tool only reads it.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry maps one managed artifact to its on-disk binary and, when the
// binary runs wrapped in a service, the service that owns it.
type Entry struct {
	Name    string `yaml:"name"`
	Binary  string `yaml:"binary"`
	Service string `yaml:"service,omitempty"`
}

// Registry is the parsed registry.yaml.
type Registry struct {
	Version  int     `yaml:"version"`
	Binaries []Entry `yaml:"binaries"`
}

// Load reads and validates a registry file. A missing file is not an error:
// a fresh host has no registry yet and manages nothing.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Registry{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}

	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", path, err)
	}

	if errs := Validate(&r); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	return &r, nil
}

// ValidationError holds multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Validate checks a Registry for semantic correctness.
// Returns a list of validation error messages (empty if valid).
func Validate(r *Registry) []string {
	var errs []string

	if r.Version != 1 {
		errs = append(errs, fmt.Sprintf("unsupported version %d — only version 1 is supported", r.Version))
	}

	names := make(map[string]bool)
	for i, b := range r.Binaries {
		prefix := fmt.Sprintf("binary[%d]", i)
		if b.Name != "" {
			prefix = fmt.Sprintf("binary '%s'", b.Name)
		}

		if b.Name == "" {
			errs = append(errs, fmt.Sprintf("%s: 'name' is required", prefix))
		} else if names[b.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate binary name '%s'", prefix, b.Name))
		} else {
			names[b.Name] = true
		}

		if b.Binary == "" {
			errs = append(errs, fmt.Sprintf("%s: 'binary' is required", prefix))
		} else if strings.ContainsAny(b.Binary, `/\`) {
			errs = append(errs, fmt.Sprintf("%s: 'binary' must be a bare filename, got '%s'", prefix, b.Binary))
		}
	}

	return errs
}

// Lookup returns the entry for an artifact name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	for _, b := range r.Binaries {
		if b.Name == name {
			return b, true
		}
	}
	return Entry{}, false
}

// ServiceFor returns the owning service for an artifact, or "" when the
// binary does not run under a service.
func (r *Registry) ServiceFor(name string) string {
	e, _ := r.Lookup(name)
	return e.Service
}

// Union merges extra entries (typically derived from a manifest's artifacts)
// into the registered set and returns the result sorted by name. For names
// present on both sides the registry contributes the service mapping and the
// extra entry's binary filename wins, since desired state governs where a
// binary lives next.
func (r *Registry) Union(extra []Entry) []Entry {
	byName := make(map[string]Entry, len(r.Binaries)+len(extra))
	for _, b := range r.Binaries {
		byName[b.Name] = b
	}
	for _, e := range extra {
		if existing, ok := byName[e.Name]; ok {
			if e.Binary != "" {
				existing.Binary = e.Binary
			}
			byName[e.Name] = existing
			continue
		}
		byName[e.Name] = e
	}

	merged := make([]Entry, 0, len(byName))
	for _, e := range byName {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return merged
}
