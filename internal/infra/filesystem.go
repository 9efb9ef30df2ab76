package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/knowledge"
)

// DefaultExtensions are tried, in order, after the bare path.
var DefaultExtensions = []string{".go"}

// DefaultIndexNames are tried, in order, when the path is a directory.
var DefaultIndexNames = []string{"main.go"}

// ResolveConfig holds file resolution conventions.
type ResolveConfig struct {
	Extensions []string
	IndexNames []string
}

// FileResolver implements domain.Resolver against the local filesystem.
type FileResolver struct {
	cwd    string
	config ResolveConfig
}

// NewFileResolver creates a resolver relative to cwd. Empty config lists
// fall back to the defaults.
func NewFileResolver(cwd string, config ResolveConfig) *FileResolver {
	if config.Extensions == nil {
		config.Extensions = DefaultExtensions
	}
	if config.IndexNames == nil {
		config.IndexNames = DefaultIndexNames
	}
	return &FileResolver{cwd: cwd, config: config}
}

// Resolve turns arg into the canonical path of a regular file, or Skipped.
// Candidates: the path itself, the path plus each extension, then each index
// name inside the path when it is a directory.
func (r *FileResolver) Resolve(arg string) domain.Resolution {
	path := arg
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.cwd, path)
	}

	for _, candidate := range r.candidates(path) {
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return domain.Resolved{Arg: arg, Path: knowledge.Canonical(candidate)}
	}

	return domain.Skipped{Arg: arg, Reason: fmt.Errorf("cannot resolve %q: %w", arg, os.ErrNotExist)}
}

func (r *FileResolver) candidates(path string) []string {
	out := make([]string, 0, 1+len(r.config.Extensions)+len(r.config.IndexNames))
	out = append(out, path)
	for _, ext := range r.config.Extensions {
		out = append(out, path+ext)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		for _, name := range r.config.IndexNames {
			out = append(out, filepath.Join(path, name))
		}
	}
	return out
}

// Ensure FileResolver implements domain.Resolver.
var _ domain.Resolver = (*FileResolver)(nil)
