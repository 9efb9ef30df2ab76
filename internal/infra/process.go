// Package infra implements infrastructure concerns (process, filesystem,
// transport, watcher, journal, registry).
package infra

import (
	"errors"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	// On Unix, FindProcess always succeeds
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// Descendants returns every descendant of pid, deepest first, so a tree can
// be stopped from the leaves up.
func (pm *ProcessManagerImpl) Descendants(pid int) ([]int, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}

	var out []int
	var walk func(p *process.Process) error
	walk = func(p *process.Process) error {
		children, err := p.Children()
		if err != nil {
			if errors.Is(err, process.ErrorNoChildren) {
				return nil
			}
			return err
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
			out = append(out, int(c.Pid))
		}
		return nil
	}

	if err := walk(p); err != nil {
		return nil, err
	}
	return out, nil
}

// Terminate sends SIGTERM to pid and its descendants.
func (pm *ProcessManagerImpl) Terminate(pid int) error {
	return pm.signalTree(pid, func(p *process.Process) error { return p.Terminate() })
}

// Kill sends SIGKILL to pid and its descendants.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	return pm.signalTree(pid, func(p *process.Process) error { return p.Kill() })
}

func (pm *ProcessManagerImpl) signalTree(pid int, send func(*process.Process) error) error {
	// Descendants may already be gone; the root is what matters.
	descendants, _ := pm.Descendants(pid)
	for _, d := range descendants {
		if p, err := process.NewProcess(int32(d)); err == nil {
			_ = send(p)
		}
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return send(p)
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
