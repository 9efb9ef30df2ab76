package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

const runStateFileName = "run.json"

// FileRunRegistry implements domain.RunRegistry using a JSON file in the
// project state directory.
type FileRunRegistry struct {
	path string
}

// NewFileRunRegistry creates a registry inside stateDir.
func NewFileRunRegistry(stateDir string) *FileRunRegistry {
	return &FileRunRegistry{path: filepath.Join(stateDir, runStateFileName)}
}

// Path returns the state file path.
func (r *FileRunRegistry) Path() string {
	return r.path
}

// Save replaces the stored state.
func (r *FileRunRegistry) Save(state domain.RunState) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Two supervisors on the same project must not interleave writes.
	lockFile, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	if state.Version == 0 {
		state.Version = 1
	}
	return r.atomicWrite(state)
}

// Load returns the stored state, or nil when none exists.
func (r *FileRunRegistry) Load() (*domain.RunState, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state domain.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt run state %s: %w", r.path, err)
	}
	return &state, nil
}

// Clear removes the state file. A missing file is not an error.
func (r *FileRunRegistry) Clear() error {
	err := os.Remove(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// atomicWrite writes state to a per-process temp file and renames it.
func (r *FileRunRegistry) atomicWrite(state domain.RunState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileRunRegistry implements domain.RunRegistry.
var _ domain.RunRegistry = (*FileRunRegistry)(nil)
