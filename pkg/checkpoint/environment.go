package checkpoint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Difference classifies how a recorded value differs from the current one
type Difference string

const (
	DiffMajor   Difference = "major"
	DiffMinor   Difference = "minor"
	DiffPatch   Difference = "patch"
	DiffChanged Difference = "changed"
	DiffAdded   Difference = "added"
	DiffMissing Difference = "missing"
	DiffUnknown Difference = "unknown"
)

// Mismatch is one difference between two environments
type Mismatch struct {
	Component string
	Recorded  string
	Current   string
	Kind      Difference
}

func (m Mismatch) String() string {
	switch m.Kind {
	case DiffAdded:
		return fmt.Sprintf("%s: not recorded, now %s", m.Component, m.Current)
	case DiffMissing:
		return fmt.Sprintf("%s: recorded %s, now missing", m.Component, m.Recorded)
	case DiffUnknown:
		return fmt.Sprintf("%s: recorded value unknown, now %s", m.Component, m.Current)
	default:
		return fmt.Sprintf("%s: recorded %s, now %s (%s)", m.Component, m.Recorded, m.Current, m.Kind)
	}
}

// EnvironmentCheck is the result of comparing fingerprints
type EnvironmentCheck struct {
	Match      bool
	Mismatches []Mismatch
}

// Details renders the mismatches for display
func (c EnvironmentCheck) Details() []string {
	out := make([]string, len(c.Mismatches))
	for i, m := range c.Mismatches {
		out[i] = m.String()
	}
	return out
}

// Compare reports every difference between the recorded environment e and
// current. It is a pure function.
func (e Environment) Compare(current Environment) EnvironmentCheck {
	var mismatches []Mismatch

	names := make(map[string]bool)
	for name := range e.ToolVersions {
		names[name] = true
	}
	for name := range current.ToolVersions {
		names[name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		recorded, hadIt := e.ToolVersions[name]
		now, hasIt := current.ToolVersions[name]
		switch {
		case !hadIt:
			mismatches = append(mismatches, Mismatch{Component: name, Current: now, Kind: DiffAdded})
		case !hasIt:
			mismatches = append(mismatches, Mismatch{Component: name, Recorded: recorded, Kind: DiffMissing})
		default:
			if kind, differs := compareVersions(recorded, now); differs {
				mismatches = append(mismatches, Mismatch{Component: name, Recorded: recorded, Current: now, Kind: kind})
			}
		}
	}

	switch {
	case e.TemplatesHash == UnknownTemplatesHash || e.TemplatesHash == "":
		mismatches = append(mismatches, Mismatch{Component: "templates", Recorded: e.TemplatesHash, Current: current.TemplatesHash, Kind: DiffUnknown})
	case e.TemplatesHash != current.TemplatesHash:
		mismatches = append(mismatches, Mismatch{Component: "templates", Recorded: e.TemplatesHash, Current: current.TemplatesHash, Kind: DiffChanged})
	}

	return EnvironmentCheck{Match: len(mismatches) == 0, Mismatches: mismatches}
}

// compareVersions classifies two version strings. Strings that are not
// semantic versions only compare equal when identical.
func compareVersions(recorded, current string) (Difference, bool) {
	if recorded == current {
		return "", false
	}

	a, errA := semver.NewVersion(strings.TrimSpace(recorded))
	b, errB := semver.NewVersion(strings.TrimSpace(current))
	if errA != nil || errB != nil {
		return DiffChanged, true
	}
	switch {
	case a.Equal(b):
		return "", false
	case a.Major() != b.Major():
		return DiffMajor, true
	case a.Minor() != b.Minor():
		return DiffMinor, true
	case a.Patch() != b.Patch():
		return DiffPatch, true
	default:
		return DiffChanged, true
	}
}
