// Package agent implements the in-process agent injected into a supervised
// application. It tracks main process files, reports them to the supervisor
// and executes reset/reload commands.
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/knowledge"
)

// UncaughtExitCode is the exit code used after surfacing an uncaught error.
const UncaughtExitCode = 1

// Config holds agent configuration.
type Config struct {
	ExitSignal     int  // exit code for a supervisor-requested reset
	NotifyUncaught bool // notify the supervisor before surfacing uncaught errors
}

// Agent owns the KnownFileSet for the current process. All handlers must be
// called from a single goroutine; Run provides that goroutine.
type Agent struct {
	config   Config
	known    *knowledge.Set
	resolver domain.Resolver
	outbox   domain.Outbox
	host     domain.Host
	shutdown *Shutdown
	logger   *zap.Logger
}

// New creates an agent with an empty KnownFileSet.
func New(
	config Config,
	resolver domain.Resolver,
	outbox domain.Outbox,
	host domain.Host,
	logger *zap.Logger,
) *Agent {
	return &Agent{
		config:   config,
		known:    knowledge.New(),
		resolver: resolver,
		outbox:   outbox,
		host:     host,
		shutdown: NewShutdown(host),
		logger:   logger,
	}
}

// Known returns the agent's KnownFileSet.
func (a *Agent) Known() *knowledge.Set {
	return a.known
}

// DiscoverArgs resolves every startup argument independently. Arguments that
// do not resolve are skipped; resolved files are recorded and announced.
func (a *Agent) DiscoverArgs(args []string) []domain.Resolution {
	results := make([]domain.Resolution, 0, len(args))
	for _, arg := range args {
		res := a.resolver.Resolve(arg)
		results = append(results, res)

		switch r := res.(type) {
		case domain.Resolved:
			a.remember(r.Path, domain.OriginArgument)
		case domain.Skipped:
			a.logger.Debug("argument is not a main process file",
				zap.String("arg", r.Arg))
		}
	}
	return results
}

// DiscoverBinary records the files the running executable was built from.
// Paths must already be canonical.
func (a *Agent) DiscoverBinary(paths []string) {
	for _, p := range paths {
		a.remember(p, domain.OriginBinary)
	}
	a.logger.Debug("executable sources discovered", zap.Int("files", len(paths)))
}

// HandleLoad processes one module-load notification.
func (a *Agent) HandleLoad(ev domain.LoadEvent) {
	if ev.Kind != domain.LoadKindFile {
		return
	}
	if a.known.Has(ev.ID) {
		// already watching this file
		return
	}

	a.logger.Debug("found new main process file", zap.String("file", ev.ID))
	a.remember(ev.ID, domain.OriginRuntime)
}

func (a *Agent) remember(path string, origin domain.Origin) {
	if !a.known.Add(path, origin) {
		return
	}
	a.outbox.Send(domain.DiscoverMessage(path), func(err error) {
		if err != nil {
			a.logger.Debug("discover not delivered",
				zap.String("file", path),
				zap.Error(err))
		}
	})
}

// HandleCommand executes one control message from the supervisor.
func (a *Agent) HandleCommand(cmd domain.Command) {
	switch cmd {
	case domain.CommandReset:
		a.reset()
	case domain.CommandReload:
		a.reload()
	default:
		a.logger.Debug("unknown hook message", zap.String("message", string(cmd)))
	}
}

func (a *Agent) reset() {
	a.logger.Debug("reset requested", zap.Int("exit_signal", a.config.ExitSignal))
	a.shutdown.Request(a.config.ExitSignal)
	a.shutdown.BeginQuit()
}

func (a *Agent) reload() {
	surfaces := a.host.Surfaces()
	if len(surfaces) == 0 {
		a.logger.Debug("reload requested with no open surfaces")
		return
	}

	for _, s := range surfaces {
		if err := s.ReloadIgnoringCache(); err != nil {
			a.logger.Warn("failed to reload surface",
				zap.String("surface", s.ID()),
				zap.Error(err))
		}
	}
}

// HandleUncaught reports an uncaught application error. It returns false,
// doing nothing, when notification is disabled so the caller can let the
// runtime crash on its own. Otherwise the supervisor is notified first (when
// connected), then the error is shown and the process exits with
// UncaughtExitCode. HandleUncaught returns after the error has been shown.
func (a *Agent) HandleUncaught(cause any, stack []byte) bool {
	if !a.config.NotifyUncaught {
		return false
	}

	onHandled := func() {
		a.host.ShowError(
			fmt.Sprintf("%s encountered an error", a.host.Name()),
			fmt.Sprintf("%v\n\n%s", cause, stack),
		)
		a.shutdown.Request(UncaughtExitCode)
		a.shutdown.BeginQuit()
	}

	if a.outbox == nil || !a.outbox.Connected() {
		onHandled()
		return true
	}

	handled := make(chan struct{})
	a.outbox.Send(domain.Message{Type: domain.MessageUncaughtException}, func(err error) {
		if err != nil {
			a.logger.Debug("uncaught-exception not delivered", zap.Error(err))
		}
		onHandled()
		close(handled)
	})
	<-handled
	return true
}

// Run multiplexes the module-load stream and the control stream on the
// calling goroutine until ctx is canceled or both streams are closed.
func (a *Agent) Run(ctx context.Context, loads <-chan domain.LoadEvent, commands <-chan domain.Command) error {
	for loads != nil || commands != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-loads:
			if !ok {
				loads = nil
				continue
			}
			a.HandleLoad(ev)
			if ev.Done != nil {
				ev.Done()
			}

		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			a.HandleCommand(cmd)
		}
	}
	return nil
}
