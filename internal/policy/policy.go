// Package policy implements the Strategy pattern for watch rules.
// Each project flavor (Go sources, web assets) has its own policy defining
// which changed files are worth acting on.
package policy

import (
	"path/filepath"
	"strings"
)

// WatchPolicy defines the strategy interface for selecting watched files.
type WatchPolicy interface {
	// ID returns unique identifier (e.g., "go", "web").
	ID() string

	// Name returns human-readable name for display.
	Name() string

	// Patterns returns base name globs of files to watch.
	Patterns() []string

	// Ignore returns globs; a path with any matching segment is ignored.
	Ignore() []string
}

// DefaultIgnore applies to every matcher.
var DefaultIgnore = []string{
	".*",
	"node_modules",
	"vendor",
	"*.map",
	"*~",
	"*.swp",
}

// Matcher decides whether a changed path is relevant.
type Matcher struct {
	root     string
	patterns []string
	ignore   []string
}

// NewMatcher combines policies with user patterns. User patterns starting
// with "!" are ignore globs, the others are extra watch globs. An empty
// pattern list watches every file.
func NewMatcher(root string, policies []WatchPolicy, userPatterns []string) *Matcher {
	m := &Matcher{root: root}
	m.ignore = append(m.ignore, DefaultIgnore...)

	for _, p := range policies {
		m.patterns = append(m.patterns, p.Patterns()...)
		m.ignore = append(m.ignore, p.Ignore()...)
	}
	for _, p := range userPatterns {
		if strings.HasPrefix(p, "!") {
			m.ignore = append(m.ignore, strings.TrimPrefix(p, "!"))
			continue
		}
		m.patterns = append(m.patterns, p)
	}
	return m
}

// IgnoreDir reports whether a directory should not be watched at all.
func (m *Matcher) IgnoreDir(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." {
		return false
	}
	return m.ignored(rel)
}

// Match reports whether a changed file is relevant.
func (m *Matcher) Match(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	if m.ignored(rel) {
		return false
	}
	if len(m.patterns) == 0 {
		return true
	}

	base := filepath.Base(rel)
	for _, p := range m.patterns {
		if globMatch(p, base) || globMatch(p, rel) {
			return true
		}
	}
	return false
}

func (m *Matcher) ignored(rel string) bool {
	for _, segment := range strings.Split(rel, string(filepath.Separator)) {
		for _, g := range m.ignore {
			if globMatch(g, segment) {
				return true
			}
		}
	}
	for _, g := range m.ignore {
		if strings.ContainsRune(g, '/') && globMatch(g, rel) {
			return true
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}
