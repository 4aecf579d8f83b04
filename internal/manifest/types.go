// Package manifest defines the desired-state manifest consumed by the
// reconciler and the baseline generator that derives one from actual state.
// Manifests are produced and signed upstream; by the time a path reaches
// this package the signature has already been checked.
package manifest

// CurrentVersion is the manifest_version this tool reads and writes.
// All 1.x manifests are accepted.
const CurrentVersion = "1.1"

// Channels lists the valid release tracks.
var Channels = []string{"stable", "beta", "alpha", "lts"}

// Manifest is the externally-produced description of desired artifact
// versions and hashes for one host. Immutable once loaded.
type Manifest struct {
	ManifestVersion   string     `json:"manifest_version"`
	SystemVersion     string     `json:"system_version"`
	ReleaseChannel    string     `json:"release_channel"`
	UpstreamComponent string     `json:"upstream_component,omitempty"`
	ArtifactBase      string     `json:"artifact_base,omitempty"`
	Artifacts         []Artifact `json:"artifacts"`
}

// Artifact is one managed binary's desired identity.
type Artifact struct {
	Name           string            `json:"name"`
	BinaryFilename string            `json:"binary"`
	Version        string            `json:"version"`
	SHA256         string            `json:"sha256"`
	Channel        string            `json:"channel,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Requires       map[string]string `json:"requires,omitempty"`

	// Source names where the artifact's bytes come from: a local path or an
	// https URL. Optional here; resolved against ArtifactBase and required
	// by staging time.
	Source string `json:"source,omitempty"`
}

// Artifact lookup by name.
func (m *Manifest) Artifact(name string) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// ValidChannel reports whether c is one of the known release tracks.
func ValidChannel(c string) bool {
	for _, ch := range Channels {
		if c == ch {
			return true
		}
	}
	return false
}
