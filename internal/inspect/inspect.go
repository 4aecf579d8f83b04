package inspect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"binsync/internal/pathspec"
	"binsync/internal/registry"
	"binsync/internal/version"
)

// Inspector interrogates managed binaries through the contract.
type Inspector struct {
	Paths  *pathspec.PathSpace
	Runner Runner
	Log    zerolog.Logger
}

// New builds an Inspector with the real subprocess runner.
func New(paths *pathspec.PathSpace, log zerolog.Logger) *Inspector {
	return &Inspector{
		Paths:  paths,
		Runner: &ExecRunner{Timeout: DefaultTimeout},
		Log:    log,
	}
}

// infoPayload is the JSON object the --info contract emits.
type infoPayload struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	BuildDate    string            `json:"build_date"`
	Commit       string            `json:"commit"`
	Channel      string            `json:"channel"`
	Capabilities []string          `json:"capabilities"`
	Requires     map[string]string `json:"requires"`
}

// InspectAll inspects every entry plus anything unregistered found under the
// binary tree. Best-effort and total: corrupted binaries are collected, never
// abort the walk, and still appear in the returned map with their status.
func (in *Inspector) InspectAll(ctx context.Context, entries []registry.Entry) (map[string]State, []*CorruptBinaryError) {
	states := make(map[string]State, len(entries))
	var corrupt []*CorruptBinaryError

	managed := make(map[string]bool, len(entries))
	for _, e := range entries {
		managed[e.Name] = true
		st, cerr := in.InspectOne(ctx, e)
		states[e.Name] = st
		if cerr != nil {
			corrupt = append(corrupt, cerr)
		}
	}

	unmanaged, ucorrupt := in.scanUnmanaged(ctx, managed)
	for _, st := range unmanaged {
		states[st.Name] = st
	}
	corrupt = append(corrupt, ucorrupt...)

	return states, corrupt
}

// InspectOne inspects a single registered binary. Used per-entry by
// InspectAll and standalone for post-swap verification.
func (in *Inspector) InspectOne(ctx context.Context, entry registry.Entry) (State, *CorruptBinaryError) {
	path := in.Paths.BinaryPath(entry.Name, entry.Binary)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return State{Name: entry.Name, InstallPath: path, Status: StatusAbsent}, nil
		}
		return in.corrupted(State{Name: entry.Name, InstallPath: path}, err)
	}

	return in.inspectPath(ctx, entry.Name, path, true)
}

// inspectPath runs the contract against an existing file. enforceName makes
// a reported name that contradicts the registered one a corruption.
func (in *Inspector) inspectPath(ctx context.Context, name, path string, enforceName bool) (State, *CorruptBinaryError) {
	s := State{Name: name, InstallPath: path}

	sum, err := HashFile(path)
	if err != nil {
		return in.corrupted(s, fmt.Errorf("hashing: %w", err))
	}
	s.InstalledSHA256 = sum

	out, err := in.Runner.Run(ctx, path, "--info")
	if err == nil {
		payload, perr := extractInfo(out)
		if perr != nil {
			// The binary answered but with garbage. No point asking again.
			return in.corrupted(s, fmt.Errorf("malformed --info output: %w", perr))
		}
		if enforceName && payload.Name != "" && payload.Name != name {
			return in.corrupted(s, fmt.Errorf("--info reports name '%s', registered as '%s'", payload.Name, name))
		}
		if !version.IsValid(payload.Version) {
			return in.corrupted(s, fmt.Errorf("--info reports unparseable version '%s'", payload.Version))
		}
		s.Version = payload.Version
		s.BuildDate = payload.BuildDate
		s.Commit = payload.Commit
		s.Channel = payload.Channel
		s.Capabilities = payload.Capabilities
		s.Requires = payload.Requires
		s.Status = StatusHealthy
		return s, nil
	}

	in.Log.Debug().Str("binary", name).Err(err).Msg("--info failed, trying --version")

	out, verr := in.Runner.Run(ctx, path, "--version")
	if verr != nil {
		return in.corrupted(s, fmt.Errorf("both contract invocations failed: --info: %v; --version: %v", err, verr))
	}
	vname, ver, perr := parseVersionLine(out)
	if perr != nil {
		return in.corrupted(s, perr)
	}
	if enforceName && vname != name {
		return in.corrupted(s, fmt.Errorf("--version reports name '%s', registered as '%s'", vname, name))
	}
	if !version.IsValid(ver) {
		return in.corrupted(s, fmt.Errorf("--version reports unparseable version '%s'", ver))
	}
	s.Version = ver
	s.Status = StatusHealthy
	return s, nil
}

// scanUnmanaged walks the binary tree for artifact directories nobody
// registered and inspects what it finds there. Unmanaged binaries are
// reported for visibility, never removed.
func (in *Inspector) scanUnmanaged(ctx context.Context, managed map[string]bool) ([]State, []*CorruptBinaryError) {
	dirs, err := os.ReadDir(in.Paths.Bin)
	if err != nil {
		in.Log.Warn().Err(err).Msg("cannot scan binary tree for unmanaged binaries")
		return nil, nil
	}

	var states []State
	var corrupt []*CorruptBinaryError
	for _, d := range dirs {
		if !d.IsDir() || managed[d.Name()] {
			continue
		}
		path := firstRegularFile(filepath.Join(in.Paths.Bin, d.Name()))
		if path == "" {
			continue
		}

		st, cerr := in.inspectPath(ctx, d.Name(), path, false)
		st.Unmanaged = true
		states = append(states, st)
		if cerr != nil {
			corrupt = append(corrupt, cerr)
		}
	}

	return states, corrupt
}

func (in *Inspector) corrupted(s State, err error) (State, *CorruptBinaryError) {
	s.Status = StatusCorrupted
	in.Log.Warn().Str("binary", s.Name).Str("path", s.InstallPath).Err(err).Msg("binary failed inspection")
	return s, &CorruptBinaryError{Name: s.Name, Path: s.InstallPath, Err: err}
}

// extractInfo parses the --info JSON object, tolerating log lines the binary
// may print before the payload.
func extractInfo(out []byte) (*infoPayload, error) {
	lines := strings.Split(string(out), "\n")
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "{") {
			continue
		}
		var p infoPayload
		if err := json.Unmarshal([]byte(strings.Join(lines[i:], "\n")), &p); err != nil {
			return nil, err
		}
		return &p, nil
	}
	return nil, fmt.Errorf("no JSON object in output")
}

// parseVersionLine parses the single "<name> <version>" line of --version.
func parseVersionLine(out []byte) (name, ver string, err error) {
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("unparseable --version output '%s'", line)
	}
	return fields[0], fields[len(fields)-1], nil
}

// firstRegularFile returns the lexically first regular file in dir, or "".
func firstRegularFile(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0])
}

// HashFile computes the lowercase hex SHA-256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
