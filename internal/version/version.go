// Package version wraps semantic version comparison and the small
// constraint language used by artifact dependency requirements.
package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Canonical normalizes a version string to canonical "vMAJOR.MINOR.PATCH"
// form, accepting input with or without the leading "v". Build metadata is
// dropped; prerelease suffixes are kept.
func Canonical(v string) (string, error) {
	c := withV(v)
	if !semver.IsValid(c) {
		return "", fmt.Errorf("invalid semantic version %q", v)
	}
	return semver.Canonical(c), nil
}

// IsValid reports whether v is a parseable semantic version, with or
// without the leading "v".
func IsValid(v string) bool {
	return semver.IsValid(withV(v))
}

// Compare returns -1, 0, or +1 ordering a against b by semver precedence.
// Build metadata is ignored, per the semver specification. Both inputs must
// already be valid versions.
func Compare(a, b string) int {
	return semver.Compare(withV(a), withV(b))
}

// Constraint is one parsed dependency requirement, e.g. ">=1.4.0".
type Constraint struct {
	op      string
	version string
}

// ParseConstraint parses a requirement expression. Supported operators are
// >=, <=, !=, ==, >, <, = and a bare version, which means exact equality.
func ParseConstraint(expr string) (Constraint, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Constraint{}, fmt.Errorf("empty version constraint")
	}

	op := "="
	for _, candidate := range []string{">=", "<=", "!=", "==", ">", "<", "="} {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			s = strings.TrimSpace(s[len(candidate):])
			break
		}
	}
	if op == "==" {
		op = "="
	}

	v := withV(s)
	if !semver.IsValid(v) {
		return Constraint{}, fmt.Errorf("invalid version %q in constraint %q", s, expr)
	}

	return Constraint{op: op, version: semver.Canonical(v)}, nil
}

// Check reports whether version v satisfies the constraint.
func (c Constraint) Check(v string) (bool, error) {
	cv := withV(v)
	if !semver.IsValid(cv) {
		return false, fmt.Errorf("invalid semantic version %q", v)
	}

	cmp := semver.Compare(cv, c.version)
	switch c.op {
	case "=":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("unknown constraint operator %q", c.op)
}

// String returns the canonical text of the constraint without the leading "v".
func (c Constraint) String() string {
	return c.op + strings.TrimPrefix(c.version, "v")
}

func withV(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
