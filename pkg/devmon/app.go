package devmon

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

// SurfaceProvider contributes open surfaces to an App.
type SurfaceProvider interface {
	Surfaces() []domain.Surface
}

// App is the default host for the agent: a named application with surface
// providers and will-quit hooks. Quit runs the hooks asynchronously and then
// exits with code 0 unless an exit code override is installed.
type App struct {
	name string

	mu        sync.Mutex
	providers []SurfaceProvider
	hooks     []func()
	override  *int
	quitOnce  sync.Once
	exited    bool
	exitCode  int
	exitedCh  chan struct{}
	exitFunc  func(int)
	errOut    io.Writer
}

// NewApp creates an App that exits the process with os.Exit.
func NewApp(name string) *App {
	return &App{
		name:     name,
		exitedCh: make(chan struct{}),
		exitFunc: os.Exit,
		errOut:   os.Stderr,
	}
}

// SetExitFunc replaces os.Exit, for embedding and tests.
func (a *App) SetExitFunc(fn func(code int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exitFunc = fn
}

// SetErrorOutput sets where ShowError writes. Defaults to stderr.
func (a *App) SetErrorOutput(w io.Writer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errOut = w
}

// Name returns the application name.
func (a *App) Name() string {
	return a.name
}

// AddSurfaces registers a surface provider, e.g. a live-reload hub.
func (a *App) AddSurfaces(p SurfaceProvider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.providers = append(a.providers, p)
}

// Surfaces returns the surfaces of every provider.
func (a *App) Surfaces() []domain.Surface {
	a.mu.Lock()
	providers := append([]SurfaceProvider(nil), a.providers...)
	a.mu.Unlock()

	var out []domain.Surface
	for _, p := range providers {
		out = append(out, p.Surfaces()...)
	}
	return out
}

// OnWillQuit registers fn to run, in registration order, when Quit starts.
func (a *App) OnWillQuit(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, fn)
}

// OverrideExitCode makes every later Exit use code.
func (a *App) OverrideExitCode(code int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.override = &code
}

// Quit starts the quit sequence once. It returns immediately.
func (a *App) Quit() {
	a.quitOnce.Do(func() {
		go a.runQuit()
	})
}

func (a *App) runQuit() {
	a.mu.Lock()
	hooks := append([]func(){}, a.hooks...)
	a.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	a.Exit(0)
}

// Exit terminates the application. Only the first call has effect.
func (a *App) Exit(code int) {
	a.mu.Lock()
	if a.exited {
		a.mu.Unlock()
		return
	}
	if a.override != nil {
		code = *a.override
	}
	a.exited = true
	a.exitCode = code
	exit := a.exitFunc
	close(a.exitedCh)
	a.mu.Unlock()

	exit(code)
}

// Exited is closed once Exit has been called.
func (a *App) Exited() <-chan struct{} {
	return a.exitedCh
}

// ExitCode returns the code passed to the exit function.
func (a *App) ExitCode() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitCode, a.exited
}

// ShowError writes a fatal error for the developer.
func (a *App) ShowError(title, content string) {
	a.mu.Lock()
	w := a.errOut
	a.mu.Unlock()
	fmt.Fprintf(w, "%s\n\n%s\n", title, content)
}

// Ensure App implements domain.Host.
var _ domain.Host = (*App)(nil)
