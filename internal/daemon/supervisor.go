// Package daemon implements the supervisor loop that owns the application
// process.
package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/usecase"
)

var (
	// ErrStopped is returned by requests posted after Run has returned.
	ErrStopped = errors.New("supervisor stopped")

	// ErrNotRunning is returned by Reload when no application is running.
	ErrNotRunning = errors.New("app is not running")
)

// SupervisorConfig holds supervisor configuration.
type SupervisorConfig struct {
	ExitSignal        int           // exit code of a deliberate reset
	HeartbeatInterval time.Duration // how often the run registry is rewritten
	StopTimeout       time.Duration // grace period between terminate and kill
}

// DefaultSupervisorConfig returns default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ExitSignal:        226,
		HeartbeatInterval: 30 * time.Second,
		StopTimeout:       5 * time.Second,
	}
}

type requestKind int

const (
	requestRestart requestKind = iota
	requestReload
	requestClose
)

type request struct {
	kind  requestKind
	reply chan error
}

// Supervisor launches the application, classifies file changes and drives
// resets and reloads. All state is owned by the Run goroutine.
type Supervisor struct {
	config     SupervisorConfig
	launcher   domain.Launcher
	changes    <-chan []string
	journal    domain.Journal
	registry   domain.RunRegistry
	pm         domain.ProcessManager
	command    []string
	logger     *zap.Logger
	classifier *usecase.Classifier

	requests chan request
	stopped  chan struct{}

	runID     string
	child     domain.Child
	messages  <-chan domain.Message
	done      <-chan domain.ExitStatus
	resetting bool
	crashed   bool
	lastExit  *int
}

// NewSupervisor creates a supervisor. changes delivers batches of changed
// files; command is recorded in the run registry for display only.
func NewSupervisor(
	config SupervisorConfig,
	launcher domain.Launcher,
	changes <-chan []string,
	journal domain.Journal,
	registry domain.RunRegistry,
	pm domain.ProcessManager,
	command []string,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		config:     config,
		launcher:   launcher,
		changes:    changes,
		journal:    journal,
		registry:   registry,
		pm:         pm,
		command:    command,
		logger:     logger,
		classifier: usecase.NewClassifier(),
		requests:   make(chan request),
		stopped:    make(chan struct{}),
		runID:      uuid.NewString(),
	}
}

// RunID identifies this supervisor session in the journal.
func (s *Supervisor) RunID() string {
	return s.runID
}

// Run launches the application and supervises it until ctx is canceled or
// Close is called. The application is stopped before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.stopped)
	defer s.stop(context.Background())

	s.logger.Info("supervisor started", zap.String("run_id", s.runID))
	s.launch(ctx)

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	changes := s.changes
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			return ctx.Err()

		case batch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.onChange(ctx, batch)

		case msg, ok := <-s.messages:
			if !ok {
				s.messages = nil
				continue
			}
			s.onMessage(ctx, msg)

		case st := <-s.done:
			s.onExit(ctx, st)

		case req := <-s.requests:
			if req.kind == requestClose {
				req.reply <- nil
				s.logger.Info("supervisor closed")
				return nil
			}
			req.reply <- s.onRequest(ctx, req.kind)

		case <-heartbeat.C:
			s.saveState()
		}
	}
}

// Restart resets the running application, or launches it when stopped.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.post(ctx, requestRestart)
}

// Reload asks the running application to refresh its surfaces.
func (s *Supervisor) Reload(ctx context.Context) error {
	return s.post(ctx, requestReload)
}

// Close stops the application and makes Run return.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.post(ctx, requestClose)
	if errors.Is(err, ErrStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) post(ctx context.Context, kind requestKind) error {
	req := request{kind: kind, reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) onRequest(ctx context.Context, kind requestKind) error {
	switch kind {
	case requestRestart:
		if s.child == nil {
			s.launch(ctx)
			return nil
		}
		if !s.resetting {
			s.reset(ctx, "")
		}
		return nil
	case requestReload:
		if s.child == nil {
			return ErrNotRunning
		}
		return s.reload(ctx, "")
	}
	return nil
}

func (s *Supervisor) launch(ctx context.Context) {
	child, err := s.launcher.Launch(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrBuildFailed) {
			s.record(ctx, domain.JournalEvent{Kind: domain.JournalBuild})
			s.logger.Error("build failed, waiting for change to retry", zap.Error(err))
		} else {
			s.logger.Error("failed to start app, waiting for change to retry", zap.Error(err))
		}
		s.saveState()
		return
	}

	s.child = child
	s.messages = child.Messages()
	s.done = child.Done()
	s.resetting = false
	s.crashed = false

	s.logger.Info("app started", zap.Int("pid", child.PID()))
	s.record(ctx, domain.JournalEvent{Kind: domain.JournalLaunch, PID: child.PID()})
	s.saveState()
}

func (s *Supervisor) onChange(ctx context.Context, batch []string) {
	if len(batch) == 0 {
		return
	}
	if s.child == nil {
		s.logger.Info("change detected, starting app", zap.Strings("files", batch))
		s.launch(ctx)
		return
	}
	if s.resetting {
		s.logger.Debug("restart already pending", zap.Strings("files", batch))
		return
	}

	action, decisions := s.classifier.DecideBatch(batch)
	for _, d := range decisions {
		s.logger.Debug("classified change",
			zap.String("file", d.Path),
			zap.String("action", string(d.Action)))
	}

	file := decisions[0].Path
	if action == domain.ActionReset {
		for _, d := range decisions {
			if d.Known {
				file = d.Path
				break
			}
		}
		s.logger.Info("main process file changed, restarting app", zap.String("file", file))
		s.reset(ctx, file)
		return
	}

	s.logger.Info("renderer file changed, reloading", zap.String("file", file))
	if err := s.reload(ctx, file); err != nil {
		s.logger.Warn("failed to send reload", zap.Error(err))
	}
}

// reset asks the agent to exit with the exit signal. When the command cannot
// be delivered the process tree is killed; the exit handler relaunches.
func (s *Supervisor) reset(ctx context.Context, file string) {
	s.resetting = true
	s.record(ctx, domain.JournalEvent{Kind: domain.JournalReset, PID: s.child.PID(), File: file})

	if err := s.child.Send(domain.CommandReset); err != nil {
		s.logger.Warn("failed to send reset, killing app", zap.Error(err))
		if err := s.child.Kill(); err != nil {
			s.logger.Error("failed to kill app", zap.Error(err))
		}
	}
}

func (s *Supervisor) reload(ctx context.Context, file string) error {
	s.record(ctx, domain.JournalEvent{Kind: domain.JournalReload, PID: s.child.PID(), File: file})
	return s.child.Send(domain.CommandReload)
}

func (s *Supervisor) onMessage(ctx context.Context, msg domain.Message) {
	switch msg.Type {
	case domain.MessageDiscover:
		if s.classifier.Learn(msg.File) {
			s.logger.Debug("main process file discovered", zap.String("file", msg.File))
			var pid int
			if s.child != nil {
				pid = s.child.PID()
			}
			s.record(ctx, domain.JournalEvent{Kind: domain.JournalDiscover, PID: pid, File: msg.File})
		}
	case domain.MessageUncaughtException:
		s.logger.Warn("uncaught exception occurred")
		s.crashed = true
		var pid int
		if s.child != nil {
			pid = s.child.PID()
		}
		s.record(ctx, domain.JournalEvent{Kind: domain.JournalCrash, PID: pid})
	default:
		s.logger.Debug("unknown agent message", zap.String("type", string(msg.Type)))
	}
}

func (s *Supervisor) onExit(ctx context.Context, st domain.ExitStatus) {
	// Discoveries sent just before exit still count.
	if s.messages != nil {
		for msg := range s.messages {
			s.onMessage(ctx, msg)
		}
		s.messages = nil
	}

	pid := s.child.PID()
	resetting := s.resetting
	s.child = nil
	s.done = nil
	s.resetting = false

	code := st.Code
	s.lastExit = &code
	s.record(ctx, domain.JournalEvent{Kind: domain.JournalExit, PID: pid, ExitCode: code})
	s.saveState()

	switch {
	case st.Code == s.config.ExitSignal || resetting:
		s.logger.Info("restarting app")
		s.launch(ctx)
	case st.Signaled:
		s.logger.Info("app was killed by a signal, waiting for change to restart it")
	case s.crashed:
		s.logger.Info("app crashed, waiting for change to restart it", zap.Int("code", code))
	default:
		s.logger.Sugar().Infof("app exited with code %d, waiting for change to restart it", code)
	}
}

// stop terminates the application and waits for it, killing it after
// StopTimeout.
func (s *Supervisor) stop(ctx context.Context) {
	defer func() {
		if err := s.registry.Clear(); err != nil {
			s.logger.Warn("failed to clear run state", zap.Error(err))
		}
	}()
	if s.child == nil {
		return
	}

	child := s.child
	s.logger.Debug("stopping app", zap.Int("pid", child.PID()))
	if err := child.Terminate(); err != nil {
		s.logger.Debug("terminate failed", zap.Error(err))
	}

	st, ok := s.waitExit(s.config.StopTimeout)
	if !ok {
		s.logger.Warn("app did not stop in time, killing it", zap.Int("pid", child.PID()))
		if err := child.Kill(); err != nil {
			s.logger.Error("failed to kill app", zap.Error(err))
		}
		st, ok = s.waitExit(s.config.StopTimeout)
	}
	if ok {
		s.record(ctx, domain.JournalEvent{Kind: domain.JournalExit, PID: child.PID(), ExitCode: st.Code})
	}
	s.child = nil
}

func (s *Supervisor) waitExit(timeout time.Duration) (domain.ExitStatus, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-s.messages:
			if !ok {
				s.messages = nil
				continue
			}
			s.onMessage(context.Background(), msg)
		case st := <-s.done:
			s.done = nil
			return st, true
		case <-timer.C:
			return domain.ExitStatus{}, false
		}
	}
}

func (s *Supervisor) record(ctx context.Context, ev domain.JournalEvent) {
	ev.RunID = s.runID
	if err := s.journal.Record(ctx, ev); err != nil {
		s.logger.Warn("failed to record journal event",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}

func (s *Supervisor) saveState() {
	state := domain.RunState{
		SupervisorPID: s.pm.GetCurrentPID(),
		RunID:         s.runID,
		Command:       s.command,
		MainFiles:     s.classifier.Known(),
		LastExitCode:  s.lastExit,
		LastHeartbeat: time.Now().Unix(),
	}
	if s.child != nil {
		state.ChildPID = s.child.PID()
	}
	if err := s.registry.Save(state); err != nil {
		s.logger.Warn("failed to save run state", zap.Error(err))
	}
}
