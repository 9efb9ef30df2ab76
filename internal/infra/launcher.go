package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/devmon/internal/config"
	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

// ErrBuildFailed is returned when the pre-launch build command fails.
var ErrBuildFailed = domain.ErrBuildFailed

// LaunchSpec describes how to start the supervised application.
type LaunchSpec struct {
	Command        string
	Args           []string
	Dir            string
	Env            []string // base environment, os.Environ() when nil
	Build          string   // optional shell command run before each launch
	ExitSignal     int
	LogLevel       string
	NotifyUncaught bool
	Extensions     []string // argument resolution conventions for the agent
	IndexNames     []string
	Stdout         io.Writer
	Stderr         io.Writer
	StartRetries   uint64
}

// ExecLauncher implements domain.Launcher with os/exec and a socketpair.
type ExecLauncher struct {
	spec   LaunchSpec
	pm     domain.ProcessManager
	logger *zap.Logger
}

// NewExecLauncher creates a launcher for spec.
func NewExecLauncher(spec LaunchSpec, pm domain.ProcessManager, logger *zap.Logger) *ExecLauncher {
	if spec.Stdout == nil {
		spec.Stdout = os.Stdout
	}
	if spec.Stderr == nil {
		spec.Stderr = os.Stderr
	}
	if spec.StartRetries == 0 {
		spec.StartRetries = 5
	}
	return &ExecLauncher{spec: spec, pm: pm, logger: logger}
}

// Argv returns the child argv after argv[0]: the harness arguments followed
// by the user arguments.
func (l *ExecLauncher) Argv() []string {
	argv := make([]string, 0, len(config.HarnessArgs)+len(l.spec.Args))
	argv = append(argv, config.HarnessArgs...)
	return append(argv, l.spec.Args...)
}

// Environ returns the child environment.
func (l *ExecLauncher) Environ() []string {
	env := l.spec.Env
	if env == nil {
		env = os.Environ()
	}
	out := make([]string, 0, len(env)+6)
	out = append(out, env...)
	out = append(out,
		config.EnvIPCFD+"=3",
		config.EnvExitSignal+"="+strconv.Itoa(l.spec.ExitSignal),
		config.EnvLogLevel+"="+l.spec.LogLevel,
		config.EnvNotifyUncaught+"="+strconv.FormatBool(l.spec.NotifyUncaught),
	)
	if len(l.spec.Extensions) > 0 {
		out = append(out, config.EnvResolveExtensions+"="+config.JoinList(l.spec.Extensions))
	}
	if len(l.spec.IndexNames) > 0 {
		out = append(out, config.EnvResolveIndex+"="+config.JoinList(l.spec.IndexNames))
	}
	return out
}

// Build runs the configured build command, if any.
func (l *ExecLauncher) Build(ctx context.Context) error {
	if l.spec.Build == "" {
		return nil
	}

	l.logger.Info("building", zap.String("command", l.spec.Build))
	cmd := exec.CommandContext(ctx, "sh", "-c", l.spec.Build)
	cmd.Dir = l.spec.Dir
	cmd.Stdout = l.spec.Stdout
	cmd.Stderr = l.spec.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	return nil
}

// Launch builds (when configured) and starts the child. Start is retried with
// exponential backoff: a freshly built binary can briefly be busy.
func (l *ExecLauncher) Launch(ctx context.Context) (domain.Child, error) {
	if err := l.Build(ctx); err != nil {
		return nil, err
	}

	var child *execChild
	start := func() error {
		c, err := l.start()
		if err != nil {
			l.logger.Debug("start attempt failed", zap.Error(err))
			return err
		}
		child = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newStartBackOff(), l.spec.StartRetries),
		ctx,
	)
	if err := backoff.Retry(start, policy); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.spec.Command, err)
	}
	return child, nil
}

func newStartBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

func (l *ExecLauncher) start() (*execChild, error) {
	conn, childEnd, err := Socketpair()
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	cmd := exec.Command(l.spec.Command, l.Argv()...)
	cmd.Dir = l.spec.Dir
	cmd.Env = l.Environ()
	cmd.Stdin = os.Stdin
	cmd.Stdout = l.spec.Stdout
	cmd.Stderr = l.spec.Stderr
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		childEnd.Close()
		conn.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	childEnd.Close()

	return newExecChild(cmd, conn, l.pm, l.logger), nil
}

// Ensure ExecLauncher implements domain.Launcher.
var _ domain.Launcher = (*ExecLauncher)(nil)

// execChild implements domain.Child.
type execChild struct {
	cmd      *exec.Cmd
	conn     *Conn
	pm       domain.ProcessManager
	logger   *zap.Logger
	messages chan domain.Message
	done     chan domain.ExitStatus
	stopOnce sync.Once
}

func newExecChild(cmd *exec.Cmd, conn *Conn, pm domain.ProcessManager, logger *zap.Logger) *execChild {
	c := &execChild{
		cmd:      cmd,
		conn:     conn,
		pm:       pm,
		logger:   logger,
		messages: make(chan domain.Message, 64),
		done:     make(chan domain.ExitStatus, 1),
	}

	readerDone := make(chan struct{})
	go c.readMessages(readerDone)
	go c.wait(readerDone)
	return c
}

func (c *execChild) readMessages(readerDone chan<- struct{}) {
	defer close(readerDone)
	defer close(c.messages)

	for {
		msg, err := c.conn.ReadMessage()
		if errors.Is(err, ErrMalformedMessage) {
			c.logger.Debug("ignoring malformed agent message", zap.Error(err))
			continue
		}
		if err != nil {
			return
		}
		c.messages <- msg
	}
}

func (c *execChild) wait(readerDone <-chan struct{}) {
	err := c.cmd.Wait()

	// The agent's socket closes when the process exits; make sure the reader
	// sees every message before the exit is reported.
	select {
	case <-readerDone:
	case <-time.After(2 * time.Second):
		c.conn.Close()
		<-readerDone
	}
	c.conn.Close()

	c.done <- exitStatus(c.cmd, err)
	close(c.done)
}

func exitStatus(cmd *exec.Cmd, err error) domain.ExitStatus {
	st := domain.ExitStatus{Code: -1, Err: err}
	if cmd.ProcessState == nil {
		return st
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signaled = true
		return st
	}
	st.Code = cmd.ProcessState.ExitCode()
	if st.Code >= 0 {
		st.Err = nil
	}
	return st
}

func (c *execChild) PID() int {
	return c.cmd.Process.Pid
}

func (c *execChild) Messages() <-chan domain.Message {
	return c.messages
}

func (c *execChild) Done() <-chan domain.ExitStatus {
	return c.done
}

func (c *execChild) Send(cmd domain.Command) error {
	return c.conn.SendCommand(cmd)
}

func (c *execChild) Terminate() error {
	return c.pm.Terminate(c.PID())
}

func (c *execChild) Kill() error {
	var err error
	c.stopOnce.Do(func() {
		err = c.pm.Kill(c.PID())
		if err != nil {
			err = c.cmd.Process.Kill()
		}
	})
	return err
}

// Ensure execChild implements domain.Child.
var _ domain.Child = (*execChild)(nil)
