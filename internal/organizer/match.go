package organizer

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// GlobSet matches slash-separated paths against doublestar patterns.
// Patterns without a '/' match the basename only; the rest match the full path.
type GlobSet struct {
	patterns []string
}

// NewGlobSet validates and compiles patterns. Blank entries and '#' comments are skipped.
func NewGlobSet(patterns []string) (*GlobSet, error) {
	gs := &GlobSet{}
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		p = filepath.ToSlash(p)
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern %q", raw)
		}
		gs.patterns = append(gs.patterns, p)
	}
	return gs, nil
}

// Empty reports whether the set has no patterns.
func (g *GlobSet) Empty() bool {
	return g == nil || len(g.patterns) == 0
}

// Match reports whether p matches any pattern in the set.
func (g *GlobSet) Match(p string) bool {
	_, ok := g.MatchIndex(p)
	return ok
}

// MatchIndex returns the index of the first pattern matching p.
func (g *GlobSet) MatchIndex(p string) (int, bool) {
	if g.Empty() {
		return -1, false
	}
	slashed := filepath.ToSlash(p)
	base := path.Base(slashed)
	for i, pattern := range g.patterns {
		target := slashed
		if !strings.Contains(pattern, "/") {
			target = base
		}
		if ok, _ := doublestar.Match(pattern, target); ok {
			return i, true
		}
	}
	return -1, false
}
