// Package domain contains core entities and interfaces shared by the
// supervisor and the in-process agent.
// This is the innermost layer - no external dependencies.
package domain

import (
	"errors"
	"time"
)

// ErrBuildFailed is returned by a Launcher when the pre-launch build fails.
var ErrBuildFailed = errors.New("build failed")

// Origin records how a file became known as main process code.
type Origin string

const (
	OriginArgument Origin = "argument" // resolved from startup arguments
	OriginRuntime  Origin = "runtime"  // reported by the module-load stream
	OriginBinary   Origin = "binary"   // compiled into the running executable
	OriginReported Origin = "reported" // learned by the supervisor from a discover message
)

// Command is a lifecycle control message sent from the supervisor to the agent.
// Values other than CommandReset and CommandReload are tolerated and ignored.
type Command string

const (
	CommandReset  Command = "reset"
	CommandReload Command = "reload"
)

// MessageType identifies an agent to supervisor message.
type MessageType string

const (
	MessageDiscover          MessageType = "discover"
	MessageUncaughtException MessageType = "uncaught-exception"
)

// Message is the JSON object the agent sends to the supervisor.
type Message struct {
	Type MessageType `json:"type"`
	File string      `json:"file,omitempty"`
}

// DiscoverMessage builds the discovery fact for a newly known file.
func DiscoverMessage(file string) Message {
	return Message{Type: MessageDiscover, File: file}
}

// Action is the supervisor's decision for a changed file.
type Action string

const (
	ActionReset  Action = "reset"  // main process file: full relaunch
	ActionReload Action = "reload" // renderer file: refresh surfaces in place
)

// Command returns the control message that carries out the action.
func (a Action) Command() Command {
	if a == ActionReset {
		return CommandReset
	}
	return CommandReload
}

// Resolution is the outcome of resolving one startup argument.
// It is either Resolved or Skipped.
type Resolution interface {
	resolution()
}

// Resolved means the argument names a loadable file.
type Resolved struct {
	Arg  string
	Path string // canonical absolute path
}

// Skipped means the argument is not a file. This is expected noise
// (flags, option values) and never an error.
type Skipped struct {
	Arg    string
	Reason error
}

func (Resolved) resolution() {}
func (Skipped) resolution()  {}

// LoadKindFile is the only module-load notification kind the agent tracks.
const LoadKindFile = "file"

// LoadEvent is a module-load notification from the host runtime.
type LoadEvent struct {
	Kind string
	ID   string // resolved path
	// Done, when set, is called once the event has been handled.
	Done func()
}

// ExitStatus describes how a supervised child process ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Err      error
}

// JournalKind classifies a lifecycle journal entry.
type JournalKind string

const (
	JournalLaunch   JournalKind = "launch"
	JournalExit     JournalKind = "exit"
	JournalReset    JournalKind = "reset"
	JournalReload   JournalKind = "reload"
	JournalDiscover JournalKind = "discover"
	JournalCrash    JournalKind = "crash"
	JournalBuild    JournalKind = "build-failed"
)

// JournalEvent is one persisted supervisor lifecycle event.
type JournalEvent struct {
	ID       int64       `json:"id"`
	RunID    string      `json:"run_id"`
	Kind     JournalKind `json:"kind"`
	PID      int         `json:"pid,omitempty"`
	ExitCode int         `json:"exit_code"`
	File     string      `json:"file,omitempty"`
	At       time.Time   `json:"at"`
}

// RunState is the supervisor state persisted for the status command.
type RunState struct {
	Version       int      `json:"version"`
	SupervisorPID int      `json:"supervisor_pid"`
	ChildPID      int      `json:"child_pid"`
	RunID         string   `json:"run_id"`
	Command       []string `json:"command"`
	MainFiles     int      `json:"main_files"`
	LastExitCode  *int     `json:"last_exit_code,omitempty"`
	LastHeartbeat int64    `json:"last_heartbeat"`
}
