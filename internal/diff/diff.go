// Package diff compares desired manifest state against inspected actual
// state and produces the ordered change-set a reconciliation run applies.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"binsync/internal/inspect"
	"binsync/internal/manifest"
	"binsync/internal/version"
)

// Kind classifies one artifact's drift.
type Kind string

const (
	KindAdd           Kind = "ADD"
	KindUpgrade       Kind = "UPGRADE"
	KindDowngrade     Kind = "DOWNGRADE"
	KindChannelSwitch Kind = "CHANNEL_SWITCH"
	KindNoop          Kind = "NOOP"
	KindUnmanaged     Kind = "UNMANAGED"
)

// Change describes the drift of one artifact.
type Change struct {
	ArtifactName string `json:"artifact_name"`
	Kind         Kind   `json:"kind"`
	FromVersion  string `json:"from_version,omitempty"`
	ToVersion    string `json:"to_version,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ChangeSet is ordered so a dependency always precedes its dependents.
// UNMANAGED entries trail at the end; they are visibility-only.
type ChangeSet []Change

// Effective returns the changes a run will actually apply. NOOP entries are
// part of the picture but never applied; UNMANAGED binaries are never
// touched at all.
func (cs ChangeSet) Effective() []Change {
	var out []Change
	for _, c := range cs {
		switch c.Kind {
		case KindNoop, KindUnmanaged:
		default:
			out = append(out, c)
		}
	}
	return out
}

// DependencyCycleError is fatal: reconciliation refuses to order a cyclic
// requires graph.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle in requires graph: %s", strings.Join(e.Cycle, " -> "))
}

// Differ computes change-sets.
type Differ struct {
	Log zerolog.Logger
}

func New(log zerolog.Logger) *Differ {
	return &Differ{Log: log}
}

// Diff compares every desired artifact against actual state. Corrupted
// binaries are excluded from the change-set; their errors were already
// surfaced by inspection. Binaries present on the host but not in the
// manifest are appended as UNMANAGED, never removed.
func (d *Differ) Diff(desired *manifest.Manifest, actual map[string]inspect.State) (ChangeSet, error) {
	if errs := checkRequires(desired, actual); len(errs) > 0 {
		return nil, &manifest.InvalidManifestError{Errors: errs}
	}

	changes := make(map[string]Change, len(desired.Artifacts))
	for _, a := range desired.Artifacts {
		state, known := actual[a.Name]
		if known && state.Status == inspect.StatusCorrupted {
			d.Log.Warn().Str("artifact", a.Name).Msg("excluding corrupted binary from change-set")
			continue
		}
		changes[a.Name] = compare(a, state, known)
	}

	ordered, err := order(desired, changes)
	if err != nil {
		return nil, err
	}

	// Present but unlisted: report, never touch.
	var unmanaged []Change
	for name, state := range actual {
		if _, ok := desired.Artifact(name); ok {
			continue
		}
		if state.Status != inspect.StatusHealthy {
			continue
		}
		unmanaged = append(unmanaged, Change{
			ArtifactName: name,
			Kind:         KindUnmanaged,
			FromVersion:  state.Version,
			Reason:       "present on host but not in manifest",
		})
	}
	sort.Slice(unmanaged, func(i, j int) bool { return unmanaged[i].ArtifactName < unmanaged[j].ArtifactName })

	return append(ordered, unmanaged...), nil
}

// compare derives the change kind for one desired artifact.
func compare(a manifest.Artifact, state inspect.State, known bool) Change {
	c := Change{ArtifactName: a.Name, ToVersion: a.Version}

	if !known || state.Status == inspect.StatusAbsent {
		c.Kind = KindAdd
		return c
	}

	c.FromVersion = state.Version
	switch cmp := version.Compare(a.Version, state.Version); {
	case cmp > 0:
		c.Kind = KindUpgrade
	case cmp < 0:
		c.Kind = KindDowngrade
	case state.Channel != "" && state.Channel != a.Channel:
		c.Kind = KindChannelSwitch
		c.Reason = fmt.Sprintf("channel %s -> %s", state.Channel, a.Channel)
	case state.InstalledSHA256 != a.SHA256:
		// Same version, different bytes. Converge to the manifest's content.
		c.Kind = KindUpgrade
		c.Reason = "content drift at same version"
	default:
		c.Kind = KindNoop
	}
	return c
}

// checkRequires validates every constraint against the projected post-state:
// the desired version when the dependency is in the manifest, otherwise
// whatever is installed and healthy.
func checkRequires(desired *manifest.Manifest, actual map[string]inspect.State) []string {
	projected := make(map[string]string)
	for name, state := range actual {
		if state.Status == inspect.StatusHealthy {
			projected[name] = state.Version
		}
	}
	for _, a := range desired.Artifacts {
		projected[a.Name] = a.Version
	}

	var errs []string
	for _, a := range desired.Artifacts {
		deps := sortedKeys(a.Requires)
		for _, dep := range deps {
			constraint := a.Requires[dep]
			have, ok := projected[dep]
			if !ok {
				errs = append(errs, fmt.Sprintf("artifact '%s' requires '%s', which is neither in the manifest nor installed", a.Name, dep))
				continue
			}
			c, err := version.ParseConstraint(constraint)
			if err != nil {
				errs = append(errs, fmt.Sprintf("artifact '%s': unparseable constraint '%s' for '%s'", a.Name, constraint, dep))
				continue
			}
			ok, err = c.Check(have)
			if err != nil {
				errs = append(errs, fmt.Sprintf("artifact '%s': cannot evaluate '%s' against '%s': %v", a.Name, constraint, have, err))
				continue
			}
			if !ok {
				errs = append(errs, fmt.Sprintf("artifact '%s' requires '%s' %s, but post-state would have %s", a.Name, dep, constraint, have))
			}
		}
	}
	return errs
}

// order runs Kahn's algorithm over the manifest's requires graph so each
// dependency precedes its dependents, breaking ties by name.
func order(desired *manifest.Manifest, changes map[string]Change) (ChangeSet, error) {
	indegree := make(map[string]int, len(desired.Artifacts))
	edges := make(map[string][]string)
	for _, a := range desired.Artifacts {
		if _, ok := indegree[a.Name]; !ok {
			indegree[a.Name] = 0
		}
	}
	for _, a := range desired.Artifacts {
		for _, dep := range sortedKeys(a.Requires) {
			if _, inManifest := indegree[dep]; !inManifest {
				continue // ordering only applies among artifacts in this run
			}
			edges[dep] = append(edges[dep], a.Name)
			indegree[a.Name]++
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make(ChangeSet, 0, len(changes))
	visited := 0
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		visited++

		if c, ok := changes[name]; ok {
			ordered = append(ordered, c)
		}

		for _, next := range edges[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
	}

	if visited < len(indegree) {
		return nil, &DependencyCycleError{Cycle: findCycle(indegree, edges)}
	}

	return ordered, nil
}

// findCycle extracts one concrete cycle path from the unresolvable residue
// of the graph, for the error message.
func findCycle(indegree map[string]int, edges map[string][]string) []string {
	var remaining []string
	for name, deg := range indegree {
		if deg > 0 {
			remaining = append(remaining, name)
		}
	}
	sort.Strings(remaining)
	inResidue := make(map[string]bool, len(remaining))
	for _, n := range remaining {
		inResidue[n] = true
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		stack = append(stack, n)
		next := append([]string(nil), edges[n]...)
		sort.Strings(next)
		for _, m := range next {
			if !inResidue[m] {
				continue
			}
			if color[m] == gray {
				i := len(stack) - 1
				for i >= 0 && stack[i] != m {
					i--
				}
				cycle = append(append(cycle, stack[i:]...), m)
				return true
			}
			if color[m] == white && visit(m) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range remaining {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return remaining
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
