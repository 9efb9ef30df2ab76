// Package knowledge tracks which files are main process code.
package knowledge

import (
	"path/filepath"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

// Entry is one known main process file.
type Entry struct {
	Path   string
	Origin domain.Origin
	Seq    int // insertion order, starting at 1
}

// Set is the KnownFileSet. A path enters at most once; re-adding is a no-op.
// Set is not safe for concurrent use: its owner serializes access.
type Set struct {
	entries map[string]Entry
	order   []string
}

// New creates an empty set.
func New() *Set {
	return &Set{entries: make(map[string]Entry)}
}

// Add inserts path and reports whether it was new.
func (s *Set) Add(path string, origin domain.Origin) bool {
	key := filepath.Clean(path)
	if _, ok := s.entries[key]; ok {
		return false
	}
	s.order = append(s.order, key)
	s.entries[key] = Entry{Path: key, Origin: origin, Seq: len(s.order)}
	return true
}

// Has reports whether path is known.
func (s *Set) Has(path string) bool {
	_, ok := s.entries[filepath.Clean(path)]
	return ok
}

// Get returns the entry for path.
func (s *Set) Get(path string) (Entry, bool) {
	e, ok := s.entries[filepath.Clean(path)]
	return e, ok
}

// Len returns the number of known files.
func (s *Set) Len() int {
	return len(s.order)
}

// Paths returns known paths in insertion order.
func (s *Set) Paths() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Canonical returns the absolute, symlink-free form of path. Paths that no
// longer exist fall back to their cleaned absolute form.
func Canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}
