package domain

import "context"

// Surface is a top-level visible renderer surface (a window, a browser page).
type Surface interface {
	// ID identifies the surface for logging.
	ID() string

	// ReloadIgnoringCache refreshes the surface content, bypassing any cache.
	ReloadIgnoringCache() error
}

// Host is the application the agent is injected into.
type Host interface {
	// Name returns the application name for user-facing messages.
	Name() string

	// Surfaces returns every currently open surface. May be empty.
	Surfaces() []Surface

	// OnWillQuit registers a hook run once the quit sequence begins.
	OnWillQuit(fn func())

	// OverrideExitCode forces every later exit to use code.
	OverrideExitCode(code int)

	// Quit starts the quit sequence. It may complete asynchronously.
	Quit()

	// Exit terminates the process immediately.
	Exit(code int)

	// ShowError presents a fatal error to the user.
	ShowError(title, content string)
}

// Resolver resolves a startup argument to a loadable file.
type Resolver interface {
	Resolve(arg string) Resolution
}

// Outbox delivers agent messages to the supervisor in order.
type Outbox interface {
	// Send queues msg. done, if non-nil, is called once the message has been
	// written or has failed.
	Send(msg Message, done func(error))

	// Connected reports whether a supervisor transport is available.
	Connected() bool
}

// Child is a running supervised process.
type Child interface {
	PID() int

	// Messages yields agent messages; closed when the transport ends.
	Messages() <-chan Message

	// Send delivers a control command to the agent.
	Send(cmd Command) error

	// Done yields the exit status once, after Messages is closed.
	Done() <-chan ExitStatus

	// Terminate asks the process tree to stop.
	Terminate() error

	// Kill forcefully stops the process tree.
	Kill() error
}

// Launcher starts supervised children.
type Launcher interface {
	Launch(ctx context.Context) (Child, error)
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// Descendants returns every descendant PID, deepest first.
	Descendants(pid int) ([]int, error)

	// Terminate sends SIGTERM to the process and its descendants.
	Terminate(pid int) error

	// Kill sends SIGKILL to the process and its descendants.
	Kill(pid int) error

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// Journal persists supervisor lifecycle events.
type Journal interface {
	Record(ctx context.Context, event JournalEvent) error

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]JournalEvent, error)

	Close() error
}

// RunRegistry stores the supervisor state for the status command.
// Implementation: JSON file in the project's .devmon directory.
type RunRegistry interface {
	Save(state RunState) error

	// Load returns nil, nil when no state has been saved.
	Load() (*RunState, error)

	Clear() error

	Path() string
}

// KeyProvider abstracts the source of the journal encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
