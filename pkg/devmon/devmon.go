// Package devmon attaches the devmon agent to an application. Call Attach
// early in main; when the process was launched by the devmon supervisor the
// agent reports main process files and obeys reset and reload commands.
//
//	h, err := devmon.Attach(devmon.Options{Name: "myapp"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer h.Recover()
//	cfg, err := h.ReadFile("config.yaml")
package devmon

import (
	"context"
	"io"
	"os"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/devmon/internal/agent"
	"github.com/eliteGoblin/focusd/devmon/internal/config"
	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/infra"
	"github.com/eliteGoblin/focusd/devmon/internal/knowledge"
)

// Options configures Attach. Zero values use the process defaults.
type Options struct {
	Name       string   // application name for error titles
	App        *App     // host; NewApp(Name) when nil
	Args       []string // os.Args when nil
	Environ    []string // os.Environ() when nil
	Dir        string   // working directory for argument resolution
	Extensions []string // tried after an argument that is not a file
	IndexNames []string // tried inside an argument that is a directory
	LogOutput  io.Writer

	// Executable is scanned for the source files it was built from; files
	// under SourceRoot are main process code. Defaults are os.Executable()
	// and Dir. SkipSources turns the scan off.
	Executable  string
	SourceRoot  string
	SkipSources bool
}

// Handle is an attached agent.
type Handle struct {
	args   []string
	hooked bool
	app    *App
	agent  *agent.Agent
	queue  *infra.MessageQueue
	conn   *infra.Conn
	logger *zap.Logger

	loads    chan domain.LoadEvent
	commands chan domain.Command
	cancel   context.CancelFunc
	done     chan struct{}
}

// Attach starts the agent. Startup arguments are resolved and announced
// before Attach returns.
func Attach(opts Options) (*Handle, error) {
	if opts.Args == nil {
		opts.Args = os.Args
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	if opts.Dir == "" {
		dir, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		opts.Dir = dir
	}
	if opts.App == nil {
		name := opts.Name
		if name == "" && len(opts.Args) > 0 {
			name = opts.Args[0]
		}
		opts.App = NewApp(name)
	}

	env := config.AgentEnvFromEnviron(opts.Environ)
	args, hooked := config.SplitArgs(opts.Args)
	logger := config.NewLogger("devmon.agent", env.LogLevel, opts.LogOutput)

	h := &Handle{
		args:     args,
		hooked:   hooked,
		app:      opts.App,
		logger:   logger,
		loads:    make(chan domain.LoadEvent),
		commands: make(chan domain.Command),
		done:     make(chan struct{}),
	}

	var sender infra.MessageSender
	if hooked && env.IPCFD >= 0 {
		conn, err := infra.FileConn(uintptr(env.IPCFD))
		if err != nil {
			logger.Debug("supervisor transport unavailable", zap.Error(err))
		} else {
			h.conn = conn
			sender = conn
		}
	}
	h.queue = infra.NewMessageQueue(sender, logger)

	if opts.Extensions == nil {
		opts.Extensions = env.Extensions
	}
	if opts.IndexNames == nil {
		opts.IndexNames = env.IndexNames
	}
	resolver := infra.NewFileResolver(opts.Dir, infra.ResolveConfig{
		Extensions: opts.Extensions,
		IndexNames: opts.IndexNames,
	})
	h.agent = agent.New(agent.Config{
		ExitSignal:     env.ExitSignal,
		NotifyUncaught: env.NotifyUncaught,
	}, resolver, h.queue, h.app, logger)

	h.agent.DiscoverArgs(args)
	if !opts.SkipSources {
		h.discoverSources(opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.agent.Run(ctx, h.loads, h.commands)
	}()
	if h.conn != nil {
		go h.pumpCommands(ctx)
	}
	return h, nil
}

// discoverSources announces the executable and its source files before any
// change can be classified.
func (h *Handle) discoverSources(opts Options) {
	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			h.logger.Debug("executable path unavailable", zap.Error(err))
			return
		}
	}
	root := opts.SourceRoot
	if root == "" {
		root = opts.Dir
	}

	files, err := infra.BinarySources(exe, root)
	if err != nil {
		h.logger.Debug("executable sources unavailable", zap.String("exe", exe), zap.Error(err))
		return
	}
	h.agent.DiscoverBinary(files)
}

// pumpCommands feeds supervisor commands to the agent until the transport
// closes.
func (h *Handle) pumpCommands(ctx context.Context) {
	defer close(h.commands)
	for {
		cmd, err := h.conn.ReadCommand()
		if err != nil {
			h.logger.Debug("supervisor transport closed", zap.Error(err))
			return
		}
		select {
		case h.commands <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// Args returns the application arguments with the harness arguments removed.
func (h *Handle) Args() []string {
	return h.args
}

// Supervised reports whether a supervisor transport is connected.
func (h *Handle) Supervised() bool {
	return h.queue.Connected()
}

// App returns the host application.
func (h *Handle) App() *App {
	return h.app
}

// Require marks path as main process code and returns its canonical form.
// It returns once the agent has recorded the file.
func (h *Handle) Require(path string) (string, error) {
	p := knowledge.Canonical(path)
	if _, err := os.Stat(p); err != nil {
		return "", err
	}

	ack := make(chan struct{})
	ev := domain.LoadEvent{Kind: domain.LoadKindFile, ID: p, Done: func() { close(ack) }}
	select {
	case h.loads <- ev:
	case <-h.done:
		return p, nil
	}
	select {
	case <-ack:
	case <-h.done:
	}
	return p, nil
}

// ReadFile requires path and returns its contents.
func (h *Handle) ReadFile(path string) ([]byte, error) {
	p, err := h.Require(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Recover reports a panic through the agent. Use it as a deferred call. When
// uncaught notification is disabled the panic continues unchanged.
func (h *Handle) Recover() {
	r := recover()
	if r == nil {
		return
	}
	if !h.agent.HandleUncaught(r, debug.Stack()) {
		panic(r)
	}
	<-h.app.Exited()
}

// Close stops the agent and closes the supervisor transport.
func (h *Handle) Close() error {
	h.cancel()
	<-h.done
	h.queue.Close()
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}
