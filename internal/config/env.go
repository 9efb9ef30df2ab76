// Package config holds devmon settings, the supervisor/agent environment
// contract and logger construction.
package config

import (
	"strconv"
	"strings"
)

// Environment variables passed from the supervisor to the agent.
const (
	EnvLogLevel       = "DEVMON_LOGLEVEL"
	EnvExitSignal     = "DEVMON_EXIT_SIGNAL"
	EnvIPCFD          = "DEVMON_IPC_FD"
	EnvNotifyUncaught = "DEVMON_NOTIFY_UNCAUGHT"

	// Comma separated resolution conventions for startup arguments.
	EnvResolveExtensions = "DEVMON_RESOLVE_EXTENSIONS"
	EnvResolveIndex      = "DEVMON_RESOLVE_INDEX"
)

// DefaultExitSignal is the exit code of a supervisor-requested restart.
const DefaultExitSignal = 226

// HookFlag marks a child launched by the devmon harness.
const HookFlag = "-devmon-hook"

// ProtocolVersion is the harness protocol version passed after HookFlag.
const ProtocolVersion = "1"

// HarnessArgs follow argv[0] in every launched child. Together with argv[0]
// they are the reserved leading arguments.
var HarnessArgs = []string{HookFlag, ProtocolVersion}

// ReservedArgs is the number of leading arguments owned by the harness.
const ReservedArgs = 3

// AgentEnv is the agent's view of the supervisor contract.
type AgentEnv struct {
	LogLevel       LogLevel
	ExitSignal     int
	IPCFD          int // -1 when not launched under a supervisor
	NotifyUncaught bool
	Extensions     []string
	IndexNames     []string
}

// AgentEnvFromEnviron parses the contract from KEY=VALUE pairs.
func AgentEnvFromEnviron(environ []string) AgentEnv {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	env := AgentEnv{
		LogLevel:   ParseLogLevel(vars[EnvLogLevel]),
		ExitSignal: DefaultExitSignal,
		IPCFD:      -1,
	}
	if n, err := strconv.Atoi(vars[EnvExitSignal]); err == nil {
		env.ExitSignal = n
	}
	if n, err := strconv.Atoi(vars[EnvIPCFD]); err == nil && n > 2 {
		env.IPCFD = n
	}
	if b, err := strconv.ParseBool(vars[EnvNotifyUncaught]); err == nil {
		env.NotifyUncaught = b
	}
	env.Extensions = splitList(vars[EnvResolveExtensions])
	env.IndexNames = splitList(vars[EnvResolveIndex])
	return env
}

// JoinList encodes a list for a comma separated variable.
func JoinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// SplitArgs separates harness arguments from user arguments. It reports
// whether the process was launched by the harness.
func SplitArgs(argv []string) (user []string, hooked bool) {
	if len(argv) >= ReservedArgs && argv[1] == HookFlag {
		return argv[ReservedArgs:], true
	}
	if len(argv) == 0 {
		return nil, false
	}
	return argv[1:], false
}
