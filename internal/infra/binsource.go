package infra

import (
	"debug/elf"
	"debug/gosym"
	"debug/macho"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eliteGoblin/focusd/devmon/internal/knowledge"
)

// ErrNoLineTable is returned when an executable carries no Go line table.
var ErrNoLineTable = errors.New("no Go line table in executable")

// BinarySources returns the canonical paths of the source files compiled
// into the executable at exe that exist under root, plus exe itself when it
// lives under root. Paths recorded relative to a module (-trimpath builds)
// are skipped.
func BinarySources(exe, root string) ([]string, error) {
	files, err := sourceFiles(exe)
	if err != nil {
		return nil, err
	}

	root = knowledge.Canonical(root)
	seen := make(map[string]struct{}, len(files)+1)
	out := make([]string, 0, len(files)+1)
	for _, f := range append(files, exe) {
		if !filepath.IsAbs(f) {
			continue
		}
		p := knowledge.Canonical(f)
		if _, ok := seen[p]; ok || !within(root, p) {
			continue
		}
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// sourceFiles lists the file table of the executable's pclntab.
func sourceFiles(exe string) ([]string, error) {
	pcln, text, err := lineTableData(exe)
	if err != nil {
		return nil, err
	}
	table, err := gosym.NewTable(nil, gosym.NewLineTable(pcln, text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse line table: %w", err)
	}

	files := make([]string, 0, len(table.Files))
	for name := range table.Files {
		files = append(files, name)
	}
	return files, nil
}

func lineTableData(exe string) ([]byte, uint64, error) {
	if f, err := elf.Open(exe); err == nil {
		defer f.Close()
		pcln, text := f.Section(".gopclntab"), f.Section(".text")
		if pcln == nil || text == nil {
			return nil, 0, ErrNoLineTable
		}
		data, err := pcln.Data()
		return data, text.Addr, err
	}
	if f, err := macho.Open(exe); err == nil {
		defer f.Close()
		pcln, text := f.Section("__gopclntab"), f.Section("__text")
		if pcln == nil || text == nil {
			return nil, 0, ErrNoLineTable
		}
		data, err := pcln.Data()
		return data, text.Addr, err
	}
	return nil, 0, fmt.Errorf("%s: unsupported executable format", exe)
}
