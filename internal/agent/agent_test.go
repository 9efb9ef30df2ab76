package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/infra"
)

const testExitSignal = 226

// mockOutbox records sent messages and completes them immediately.
type mockOutbox struct {
	mu        sync.Mutex
	sent      []domain.Message
	connected bool
	sendErr   error
}

func (m *mockOutbox) Send(msg domain.Message, done func(error)) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	if done != nil {
		done(m.sendErr)
	}
}

func (m *mockOutbox) Connected() bool {
	return m.connected
}

func (m *mockOutbox) messages() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// mockSurface counts cache-bypassing reloads.
type mockSurface struct {
	id        string
	reloads   int
	reloadErr error
}

func (s *mockSurface) ID() string { return s.id }

func (s *mockSurface) ReloadIgnoringCache() error {
	s.reloads++
	return s.reloadErr
}

// mockHost models an application whose quit sequence runs hooks in
// registration order and then exits with code 0 unless overridden.
type mockHost struct {
	surfaces  []domain.Surface
	hooks     []func()
	override  *int
	exitCodes []int
	quits     int
	errors    []string
}

func (h *mockHost) Name() string               { return "testapp" }
func (h *mockHost) Surfaces() []domain.Surface { return h.surfaces }
func (h *mockHost) OnWillQuit(fn func())       { h.hooks = append(h.hooks, fn) }
func (h *mockHost) OverrideExitCode(code int)  { h.override = &code }
func (h *mockHost) ShowError(title, _ string)  { h.errors = append(h.errors, title) }

func (h *mockHost) Exit(code int) {
	if h.override != nil {
		code = *h.override
	}
	h.exitCodes = append(h.exitCodes, code)
}

func (h *mockHost) Quit() {
	h.quits++
	for _, fn := range h.hooks {
		fn()
	}
	h.Exit(0)
}

// mockResolver resolves only the listed arguments.
type mockResolver struct {
	files map[string]string
}

func (r *mockResolver) Resolve(arg string) domain.Resolution {
	if p, ok := r.files[arg]; ok {
		return domain.Resolved{Arg: arg, Path: p}
	}
	return domain.Skipped{Arg: arg, Reason: os.ErrNotExist}
}

func newTestAgent(t *testing.T, cfg Config, resolver domain.Resolver) (*Agent, *mockOutbox, *mockHost) {
	t.Helper()
	outbox := &mockOutbox{connected: true}
	host := &mockHost{}
	if resolver == nil {
		resolver = &mockResolver{}
	}
	return New(cfg, resolver, outbox, host, zap.NewNop()), outbox, host
}

func TestDiscoverArgs_SkipsNoise(t *testing.T) {
	resolver := &mockResolver{files: map[string]string{"/app/main.js": "/app/main.js"}}
	a, outbox, _ := newTestAgent(t, Config{ExitSignal: testExitSignal}, resolver)

	results := a.DiscoverArgs([]string{"--flag", "/app/main.js", "notafile"})

	require.Len(t, results, 3)
	assert.IsType(t, domain.Skipped{}, results[0])
	assert.Equal(t, domain.Resolved{Arg: "/app/main.js", Path: "/app/main.js"}, results[1])
	assert.IsType(t, domain.Skipped{}, results[2])

	assert.Equal(t, []string{"/app/main.js"}, a.Known().Paths())
	assert.Equal(t, []domain.Message{domain.DiscoverMessage("/app/main.js")}, outbox.messages())
}

func TestDiscoverArgs_WithFileResolver(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "main.js")
	require.NoError(t, os.WriteFile(main, []byte("// main"), 0644))

	resolver := infra.NewFileResolver(dir, infra.ResolveConfig{Extensions: []string{".js"}})
	a, outbox, _ := newTestAgent(t, Config{}, resolver)

	a.DiscoverArgs([]string{"--flag", main, "notafile"})

	want, err := filepath.EvalSymlinks(main)
	require.NoError(t, err)
	assert.Equal(t, []string{want}, a.Known().Paths())
	assert.Len(t, outbox.messages(), 1)
}

func TestDiscover_Idempotent(t *testing.T) {
	resolver := &mockResolver{files: map[string]string{"main": "/app/main.go"}}
	a, outbox, _ := newTestAgent(t, Config{}, resolver)

	a.DiscoverArgs([]string{"main", "main"})
	for i := 0; i < 5; i++ {
		a.HandleLoad(domain.LoadEvent{Kind: domain.LoadKindFile, ID: "/app/main.go"})
	}

	assert.Equal(t, 1, a.Known().Len())
	assert.Len(t, outbox.messages(), 1)
	e, _ := a.Known().Get("/app/main.go")
	assert.Equal(t, domain.OriginArgument, e.Origin)
}

func TestHandleLoad_NewFileAnnouncedOnce(t *testing.T) {
	a, outbox, _ := newTestAgent(t, Config{}, nil)

	a.HandleLoad(domain.LoadEvent{Kind: domain.LoadKindFile, ID: "/app/lib/db.js"})
	a.HandleLoad(domain.LoadEvent{Kind: domain.LoadKindFile, ID: "/app/lib/db.js"})

	assert.Equal(t, []domain.Message{
		{Type: domain.MessageDiscover, File: "/app/lib/db.js"},
	}, outbox.messages())
}

func TestDiscoverBinary_AnnouncesEachSourceOnce(t *testing.T) {
	resolver := &mockResolver{files: map[string]string{"main.go": "/app/main.go"}}
	a, outbox, _ := newTestAgent(t, Config{}, resolver)

	a.DiscoverArgs([]string{"main.go"})
	a.DiscoverBinary([]string{"/app/main.go", "/app/server.go", "/app/bin/app"})

	assert.Equal(t, []string{"/app/main.go", "/app/server.go", "/app/bin/app"}, a.Known().Paths())
	assert.Len(t, outbox.messages(), 3)

	e, _ := a.Known().Get("/app/server.go")
	assert.Equal(t, domain.OriginBinary, e.Origin)
	e, _ = a.Known().Get("/app/main.go")
	assert.Equal(t, domain.OriginArgument, e.Origin, "first origin is kept")
}

func TestHandleLoad_IgnoresNonFileKinds(t *testing.T) {
	a, outbox, _ := newTestAgent(t, Config{}, nil)

	a.HandleLoad(domain.LoadEvent{Kind: "builtin", ID: "fs"})

	assert.Zero(t, a.Known().Len())
	assert.Empty(t, outbox.messages())
}

func TestHandleCommand_ReloadAllSurfaces(t *testing.T) {
	a, _, host := newTestAgent(t, Config{}, nil)
	s1 := &mockSurface{id: "one"}
	s2 := &mockSurface{id: "two", reloadErr: errors.New("gone")}
	host.surfaces = []domain.Surface{s1, s2}

	a.HandleCommand(domain.CommandReload)

	assert.Equal(t, 1, s1.reloads)
	assert.Equal(t, 1, s2.reloads, "a failing surface does not stop the others")
	assert.Zero(t, host.quits)
}

func TestHandleCommand_ReloadWithoutSurfaces(t *testing.T) {
	a, _, host := newTestAgent(t, Config{}, nil)

	assert.NotPanics(t, func() { a.HandleCommand(domain.CommandReload) })
	assert.Zero(t, host.quits)
	assert.Empty(t, host.exitCodes)
}

func TestHandleCommand_ResetExitsWithSignal(t *testing.T) {
	a, _, host := newTestAgent(t, Config{ExitSignal: testExitSignal}, nil)

	a.HandleCommand(domain.CommandReset)

	require.NotEmpty(t, host.exitCodes)
	for _, code := range host.exitCodes {
		assert.Equal(t, testExitSignal, code)
	}
	assert.Equal(t, 1, host.quits)
}

func TestHandleCommand_ResetWinsOverEarlierQuitHooks(t *testing.T) {
	a, _, host := newTestAgent(t, Config{ExitSignal: testExitSignal}, nil)

	// application hooks registered before the agent's, one of which exits
	host.OnWillQuit(func() {})
	host.OnWillQuit(func() { host.Exit(0) })

	a.HandleCommand(domain.CommandReset)

	require.NotEmpty(t, host.exitCodes)
	assert.Equal(t, testExitSignal, host.exitCodes[0])
	for _, code := range host.exitCodes {
		assert.Equal(t, testExitSignal, code)
	}
}

func TestHandleCommand_UnknownIsLoggedOnly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	outbox := &mockOutbox{connected: true}
	host := &mockHost{}
	a := New(Config{ExitSignal: testExitSignal}, &mockResolver{}, outbox, host, zap.New(core))

	a.HandleCommand(domain.Command("restart-please"))

	assert.Zero(t, host.quits)
	assert.Empty(t, host.exitCodes)
	assert.Empty(t, outbox.messages())

	entries := logs.FilterMessage("unknown hook message").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "restart-please", entries[0].ContextMap()["message"])
}

func TestHandleUncaught_DisabledByDefault(t *testing.T) {
	a, outbox, host := newTestAgent(t, Config{}, nil)

	handled := a.HandleUncaught(errors.New("boom"), []byte("stack"))

	assert.False(t, handled)
	assert.Empty(t, outbox.messages())
	assert.Empty(t, host.errors)
	assert.Empty(t, host.exitCodes)
}

func TestHandleUncaught_NotifiesSupervisorFirst(t *testing.T) {
	a, outbox, host := newTestAgent(t, Config{NotifyUncaught: true, ExitSignal: testExitSignal}, nil)

	handled := a.HandleUncaught(errors.New("boom"), []byte("stack"))

	assert.True(t, handled)
	assert.Equal(t, []domain.Message{{Type: domain.MessageUncaughtException}}, outbox.messages())
	assert.Equal(t, []string{"testapp encountered an error"}, host.errors)
	require.NotEmpty(t, host.exitCodes)
	assert.Equal(t, UncaughtExitCode, host.exitCodes[0])
}

func TestHandleUncaught_NoTransportShowsErrorDirectly(t *testing.T) {
	a, outbox, host := newTestAgent(t, Config{NotifyUncaught: true}, nil)
	outbox.connected = false

	assert.True(t, a.HandleUncaught("boom", nil))

	assert.Empty(t, outbox.messages())
	assert.Len(t, host.errors, 1)
	assert.Equal(t, UncaughtExitCode, host.exitCodes[0])
}

func TestRun_ProcessesStreamsInOrder(t *testing.T) {
	a, outbox, host := newTestAgent(t, Config{ExitSignal: testExitSignal}, nil)
	s := &mockSurface{id: "win"}
	host.surfaces = []domain.Surface{s}

	loads := make(chan domain.LoadEvent, 3)
	commands := make(chan domain.Command, 2)

	acked := make(chan string, 3)
	for _, id := range []string{"/a.go", "/b.go", "/a.go"} {
		id := id
		loads <- domain.LoadEvent{Kind: domain.LoadKindFile, ID: id, Done: func() { acked <- id }}
	}
	commands <- domain.CommandReload
	commands <- "bogus"
	close(loads)
	close(commands)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx, loads, commands))

	assert.Equal(t, []domain.Message{
		domain.DiscoverMessage("/a.go"),
		domain.DiscoverMessage("/b.go"),
	}, outbox.messages())
	assert.Len(t, acked, 3, "every load event is acknowledged")
	assert.Equal(t, 1, s.reloads)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a, _, _ := newTestAgent(t, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.Run(ctx, make(chan domain.LoadEvent), make(chan domain.Command))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShutdown_FirstRequestWins(t *testing.T) {
	host := &mockHost{}
	s := NewShutdown(host)

	s.Request(testExitSignal)
	s.Request(1)
	s.BeginQuit()

	code, ok := s.Requested()
	assert.True(t, ok)
	assert.Equal(t, testExitSignal, code)
	assert.Len(t, host.hooks, 1)
	for _, c := range host.exitCodes {
		assert.Equal(t, testExitSignal, c)
	}
}
