package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validManifest = `{
  "manifest_version": "1.1",
  "system_version": "2.5.0",
  "release_channel": "stable",
  "artifacts": [
    {
      "name": "brain",
      "binary": "brain.exe",
      "version": "2.5.0",
      "sha256": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
      "channel": "stable",
      "capabilities": ["pipeline_v3"],
      "requires": {"host": ">=2.0.0"}
    },
    {
      "name": "host",
      "binary": "host.exe",
      "version": "2.1.0",
      "sha256": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
    }
  ]
}`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	m, err := Load(writeManifest(t, validManifest))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if m.SystemVersion != "2.5.0" {
		t.Errorf("SystemVersion = %s, want 2.5.0", m.SystemVersion)
	}
	if len(m.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(m.Artifacts))
	}

	brain, ok := m.Artifact("brain")
	if !ok {
		t.Fatal("expected artifact 'brain'")
	}
	if brain.BinaryFilename != "brain.exe" {
		t.Errorf("BinaryFilename = %s, want brain.exe", brain.BinaryFilename)
	}
	if brain.Requires["host"] != ">=2.0.0" {
		t.Errorf("Requires[host] = %s, want >=2.0.0", brain.Requires["host"])
	}

	// An artifact without a channel inherits the release channel.
	host, _ := m.Artifact("host")
	if host.Channel != "stable" {
		t.Errorf("expected host to inherit release channel, got %q", host.Channel)
	}
}

func TestLoadCollectsAllViolations(t *testing.T) {
	bad := `{
  "manifest_version": "3.0",
  "system_version": "not-semver",
  "release_channel": "nightly",
  "artifacts": [
    {
      "name": "brain",
      "binary": "bin/brain.exe",
      "version": "2.5.0",
      "sha256": "ABCD",
      "requires": {"brain": ">=1.0.0", "host": "gibberish"}
    },
    {
      "name": "brain",
      "binary": "brain.exe",
      "version": "2.5.0",
      "sha256": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
    }
  ]
}`

	_, err := Load(writeManifest(t, bad))
	if err == nil {
		t.Fatal("expected validation error")
	}
	verr, ok := err.(*InvalidManifestError)
	if !ok {
		t.Fatalf("expected *InvalidManifestError, got %T", err)
	}

	msg := verr.Error()
	for _, want := range []string{
		"unsupported manifest_version '3.0'",
		"invalid system_version 'not-semver'",
		"invalid release_channel 'nightly'",
		"must be a bare filename",
		"'sha256' must be 64 hex characters",
		"'requires' references itself",
		"unparseable constraint 'gibberish'",
		"duplicate artifact name 'brain'",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected violation %q in:\n%s", want, msg)
		}
	}
}

func TestLoadRejectsUppercaseHash(t *testing.T) {
	bad := strings.Replace(validManifest,
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", 1)

	_, err := Load(writeManifest(t, bad))
	if err == nil {
		t.Fatal("expected validation error for uppercase hash")
	}
	if !strings.Contains(err.Error(), "lowercase hex") {
		t.Errorf("expected lowercase hex violation, got: %v", err)
	}
}

func TestLoadRequiresArtifacts(t *testing.T) {
	bad := `{"manifest_version": "1.1", "system_version": "1.0.0", "release_channel": "stable", "artifacts": []}`

	_, err := Load(writeManifest(t, bad))
	if err == nil {
		t.Fatal("expected validation error for empty artifacts")
	}
	if !strings.Contains(err.Error(), "at least one artifact is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	m, err := Load(writeManifest(t, validManifest))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "out.json")
	if err := Save(path, m); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temp file to be gone after save")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of saved manifest error = %v", err)
	}
	if loaded.SystemVersion != m.SystemVersion || len(loaded.Artifacts) != len(m.Artifacts) {
		t.Error("saved manifest does not round-trip")
	}
}
