package agent

import (
	"sync"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

// Shutdown performs a two-phase exit: Request installs the exit code
// override, BeginQuit starts the host's quit sequence. The override is in
// place before any quit hook runs, so the host's hook ordering cannot
// change the final exit code.
// Request and BeginQuit may be called from any goroutine.
type Shutdown struct {
	mu        sync.Mutex
	host      domain.Host
	requested bool
	code      int
}

// NewShutdown creates a shutdown coordinator for host.
func NewShutdown(host domain.Host) *Shutdown {
	return &Shutdown{host: host}
}

// Request registers code as the process exit code. Only the first request
// counts.
func (s *Shutdown) Request(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.requested {
		return
	}
	s.requested = true
	s.code = code

	s.host.OverrideExitCode(code)
	s.host.OnWillQuit(func() {
		s.host.Exit(code)
	})
}

// BeginQuit asks the host to quit.
func (s *Shutdown) BeginQuit() {
	s.host.Quit()
}

// Requested returns the requested code and whether a request was made.
func (s *Shutdown) Requested() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.requested
}
