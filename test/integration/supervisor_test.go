//go:build integration

package integration

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/devmon/internal/daemon"
	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/infra"
	"github.com/eliteGoblin/focusd/devmon/internal/policy"
	"github.com/eliteGoblin/focusd/devmon/internal/surface"
	"github.com/eliteGoblin/focusd/devmon/test/fixtures"
)

var listenRe = regexp.MustCompile(`listening http://(\S+)`)

var _ = Describe("Supervisor", func() {
	var (
		project  *fixtures.FakeProject
		out      *gbytes.Buffer
		journal  *infra.SQLiteJournal
		registry *infra.FileRunRegistry
		sup      *daemon.Supervisor
		cancel   context.CancelFunc
		runErr   chan error
	)

	BeforeEach(func() {
		project = fixtures.NewFakeProject(GinkgoT().TempDir())
		Expect(project.Create()).To(Succeed())
		out = gbytes.NewBuffer()

		logger := zap.NewNop()
		stateDir := project.Path(".devmon")

		var err error
		journal, err = infra.OpenJournalWithKey(stateDir, infra.NewJournalKeyStore(GinkgoT().TempDir()).For(stateDir))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(journal.Close)
		registry = infra.NewFileRunRegistry(stateDir)

		matcher := policy.NewMatcher(project.Dir, nil, nil)
		watcher, err := infra.NewFSWatcher(project.Dir, matcher, 50*time.Millisecond, logger)
		Expect(err).NotTo(HaveOccurred())

		pm := infra.NewProcessManager()
		command := []string{fakeAppPath, fixtures.MainFile}
		launcher := infra.NewExecLauncher(infra.LaunchSpec{
			Command:    command[0],
			Args:       command[1:],
			Dir:        project.Dir,
			ExitSignal: 226,
			Stdout:     out,
			Stderr:     GinkgoWriter,
		}, pm, logger)

		config := daemon.DefaultSupervisorConfig()
		config.HeartbeatInterval = 100 * time.Millisecond
		sup = daemon.NewSupervisor(config, launcher, watcher.Changes(), journal, registry, pm, command, logger)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		go func() { _ = watcher.Run(ctx) }()
		runErr = make(chan error, 1)
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			runErr <- sup.Run(ctx)
		}()

		DeferCleanup(func() {
			cancel()
			Eventually(stopped, 10*time.Second).Should(BeClosed())
		})
		Eventually(out, 10*time.Second).Should(gbytes.Say("started pid="))
	})

	journalKinds := func() []domain.JournalKind {
		events, err := journal.Recent(context.Background(), 100)
		Expect(err).NotTo(HaveOccurred())
		kinds := make([]domain.JournalKind, 0, len(events))
		for _, ev := range events {
			kinds = append(kinds, ev.Kind)
		}
		return kinds
	}

	It("relaunches the app when a startup file changes", func() {
		Eventually(journalKinds, 5*time.Second).Should(ContainElement(domain.JournalDiscover))

		Expect(project.Touch(fixtures.MainFile)).To(Succeed())

		Eventually(out, 10*time.Second).Should(gbytes.Say("started pid="))
		Eventually(journalKinds, 5*time.Second).Should(ContainElements(domain.JournalReset, domain.JournalExit))
	})

	It("relaunches the app when a runtime-loaded file changes", func() {
		Eventually(func() int {
			events, _ := journal.Recent(context.Background(), 100)
			n := 0
			for _, ev := range events {
				if ev.Kind == domain.JournalDiscover {
					n++
				}
			}
			return n
		}, 5*time.Second).Should(Equal(2))

		Expect(project.Touch(fixtures.LibFile)).To(Succeed())
		Eventually(out, 10*time.Second).Should(gbytes.Say("started pid="))
	})

	It("reloads connected pages when another file changes", func() {
		Eventually(out, 5*time.Second).Should(gbytes.Say("listening"))
		m := listenRe.FindSubmatch(out.Contents())
		Expect(m).NotTo(BeNil())

		page, err := http.Get("http://" + string(m[1]) + "/")
		Expect(err).NotTo(HaveOccurred())
		html, _ := io.ReadAll(page.Body)
		page.Body.Close()
		Expect(page.Header.Get("Cache-Control")).To(Equal("no-store"))
		Expect(string(html)).To(ContainSubstring(surface.ScriptPath))

		conn, resp, err := websocket.DefaultDialer.Dial("ws://"+string(m[1])+surface.SocketPath, nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		defer conn.Close()
		Expect(conn.WriteJSON(surface.Hello{Type: "hello", URL: "http://" + string(m[1]) + "/"})).To(Succeed())

		// The page must be registered before the change arrives.
		time.Sleep(200 * time.Millisecond)
		Expect(project.Touch(fixtures.PageFile)).To(Succeed())

		Expect(conn.SetReadDeadline(time.Now().Add(10 * time.Second))).To(Succeed())
		var msg surface.Message
		Expect(conn.ReadJSON(&msg)).To(Succeed())
		Expect(msg).To(Equal(surface.Message{Type: "reload", IgnoreCache: true}))

		Consistently(out, 500*time.Millisecond).ShouldNot(gbytes.Say("started pid="))
		Expect(journalKinds()).To(ContainElement(domain.JournalReload))
	})

	It("persists run state while running", func() {
		Eventually(func() int {
			state, err := registry.Load()
			if err != nil || state == nil {
				return 0
			}
			return state.MainFiles
		}, 5*time.Second).Should(Equal(2))

		state, err := registry.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(state.RunID).To(Equal(sup.RunID()))
		Expect(strings.HasSuffix(state.Command[0], "fakeapp")).To(BeTrue())
	})

	It("stops the app and clears run state on Close", func() {
		Expect(sup.Close(context.Background())).To(Succeed())
		Eventually(runErr, 10*time.Second).Should(Receive(BeNil()))

		state, err := registry.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(BeNil())
	})
})
