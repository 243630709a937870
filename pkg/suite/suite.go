// Package suite discovers the integration test targets of a collection.
package suite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrNoTargets      = errors.New("no integration test target found")
	ErrInvalidPattern = errors.New("invalid role pattern")
)

// Target is one role under test.
type Target struct {
	// Role is the directory name of the target.
	Role string `json:"role"`
	// Path is the absolute path of the role, used as the include_role name.
	Path string `json:"path"`
}

// Discover lists the sub-directories of root as targets, sorted by role.
// Hidden directories are ignored.
func Discover(root string) ([]Target, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read integration tests path: %w", err)
	}

	var targets []Target
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		targets = append(targets, Target{Role: e.Name(), Path: filepath.Join(abs, e.Name())})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoTargets, abs)
	}

	slices.SortFunc(targets, func(a, b Target) int { return strings.Compare(a.Role, b.Role) })
	return targets, nil
}

// Select returns the targets matching one of patterns, in the order of
// targets. Patterns are role names or globs such as "ios_*". An empty
// patterns selects everything; a pattern matching no target is an error.
func Select(targets []Target, patterns []string) ([]Target, error) {
	if len(patterns) == 0 {
		return targets, nil
	}

	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, p)
		}
	}

	matched := make(map[string]bool, len(patterns))
	var out []Target
	for _, t := range targets {
		selected := false
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, t.Role); ok {
				matched[p] = true
				selected = true
			}
		}
		if selected {
			out = append(out, t)
		}
	}

	var missing []string
	for _, p := range patterns {
		if !matched[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTargets, strings.Join(missing, ", "))
	}
	return out, nil
}

// FixtureDir returns the absolute fixture directory of role. Fixtures live
// next to the targets directory: tests/integration/targets/<role> has its
// fixtures in tests/integration/fixtures/<role>.
func FixtureDir(targetsDir, role string) (string, error) {
	abs, err := filepath.Abs(targetsDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(abs), "fixtures", role), nil
}
