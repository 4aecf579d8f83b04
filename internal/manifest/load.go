package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"binsync/internal/version"
)

// Load reads and structurally validates a manifest file. Signature
// verification is the caller's concern and happens before this point.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	normalize(&m)

	if errs := Validate(&m); len(errs) > 0 {
		return nil, &InvalidManifestError{Errors: errs}
	}

	return &m, nil
}

// Save writes a manifest atomically using a temp file and rename.
func Save(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing temp manifest %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming temp manifest to %s: %w", path, err)
	}

	return nil
}

// InvalidManifestError holds every validation failure found in a manifest,
// not just the first.
type InvalidManifestError struct {
	Errors []string
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("manifest validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// normalize fills derivable fields before validation: artifacts with no
// channel inherit the manifest's release channel.
func normalize(m *Manifest) {
	for i := range m.Artifacts {
		if m.Artifacts[i].Channel == "" {
			m.Artifacts[i].Channel = m.ReleaseChannel
		}
	}
}

// Validate checks a Manifest for structural correctness.
// Returns a list of validation error messages (empty if valid).
func Validate(m *Manifest) []string {
	var errs []string

	if m.ManifestVersion == "" {
		errs = append(errs, "'manifest_version' is required")
	} else if m.ManifestVersion != "1" && !strings.HasPrefix(m.ManifestVersion, "1.") {
		errs = append(errs, fmt.Sprintf("unsupported manifest_version '%s' — only 1.x is supported", m.ManifestVersion))
	}

	if m.SystemVersion == "" {
		errs = append(errs, "'system_version' is required")
	} else if !version.IsValid(m.SystemVersion) {
		errs = append(errs, fmt.Sprintf("invalid system_version '%s' — must be a semantic version", m.SystemVersion))
	}

	if m.ReleaseChannel == "" {
		errs = append(errs, "'release_channel' is required")
	} else if !ValidChannel(m.ReleaseChannel) {
		errs = append(errs, fmt.Sprintf("invalid release_channel '%s' — must be one of: %s", m.ReleaseChannel, strings.Join(Channels, ", ")))
	}

	if len(m.Artifacts) == 0 {
		errs = append(errs, "at least one artifact is required")
	}

	names := make(map[string]bool)
	for i, a := range m.Artifacts {
		prefix := fmt.Sprintf("artifact[%d]", i)
		if a.Name != "" {
			prefix = fmt.Sprintf("artifact '%s'", a.Name)
		}

		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("%s: 'name' is required", prefix))
		} else if names[a.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate artifact name '%s'", prefix, a.Name))
		} else {
			names[a.Name] = true
		}

		if a.BinaryFilename == "" {
			errs = append(errs, fmt.Sprintf("%s: 'binary' is required", prefix))
		} else if strings.ContainsAny(a.BinaryFilename, `/\`) {
			errs = append(errs, fmt.Sprintf("%s: 'binary' must be a bare filename, got '%s'", prefix, a.BinaryFilename))
		}

		if a.Version == "" {
			errs = append(errs, fmt.Sprintf("%s: 'version' is required", prefix))
		} else if !version.IsValid(a.Version) {
			errs = append(errs, fmt.Sprintf("%s: invalid version '%s' — must be a semantic version", prefix, a.Version))
		}

		errs = append(errs, validateHash(a.SHA256, prefix)...)

		if a.Channel != "" && !ValidChannel(a.Channel) {
			errs = append(errs, fmt.Sprintf("%s: invalid channel '%s' — must be one of: %s", prefix, a.Channel, strings.Join(Channels, ", ")))
		}

		for dep, constraint := range a.Requires {
			if dep == "" {
				errs = append(errs, fmt.Sprintf("%s: 'requires' has an empty artifact name", prefix))
				continue
			}
			if dep == a.Name {
				errs = append(errs, fmt.Sprintf("%s: 'requires' references itself", prefix))
			}
			if _, err := version.ParseConstraint(constraint); err != nil {
				errs = append(errs, fmt.Sprintf("%s: unparseable constraint '%s' for '%s'", prefix, constraint, dep))
			}
		}
	}

	return errs
}

func validateHash(h, prefix string) []string {
	if h == "" {
		return []string{fmt.Sprintf("%s: 'sha256' is required", prefix)}
	}
	if len(h) != 64 {
		return []string{fmt.Sprintf("%s: 'sha256' must be 64 hex characters, got %d", prefix, len(h))}
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return []string{fmt.Sprintf("%s: 'sha256' must be lowercase hex, got '%s'", prefix, h)}
		}
	}
	return nil
}
