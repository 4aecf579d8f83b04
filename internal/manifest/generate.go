package manifest

import (
	"path/filepath"
	"sort"

	"binsync/internal/inspect"
)

// GenerateFromActual builds a manifest that mirrors the inspected state of
// the host, used to baseline "what is installed now" before an untracked
// change. Absent binaries are skipped; corrupted binaries carry no trustable
// identity and are skipped too (the caller reports them). Unmanaged binaries
// are included with their observed identity so a baseline never drops them.
func GenerateFromActual(systemVersion string, states map[string]inspect.State) *Manifest {
	if systemVersion == "" {
		systemVersion = "0.0.0"
	}

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &Manifest{
		ManifestVersion: CurrentVersion,
		SystemVersion:   systemVersion,
		ReleaseChannel:  "stable",
	}

	channels := make(map[string]int)
	for _, name := range names {
		s := states[name]
		if s.Status != inspect.StatusHealthy {
			continue
		}

		channel := s.Channel
		if !ValidChannel(channel) {
			// A binary may report a track we do not know; the artifact then
			// inherits the manifest's release channel on load.
			channel = ""
		} else {
			channels[channel]++
		}

		m.Artifacts = append(m.Artifacts, Artifact{
			Name:           s.Name,
			BinaryFilename: filepath.Base(s.InstallPath),
			Version:        s.Version,
			SHA256:         s.InstalledSHA256,
			Channel:        channel,
			Capabilities:   s.Capabilities,
			Requires:       s.Requires,
			Source:         s.InstallPath,
		})
	}

	// The manifest-level channel follows the artifacts when they agree.
	if len(channels) == 1 {
		for ch := range channels {
			m.ReleaseChannel = ch
		}
	}

	return m
}
