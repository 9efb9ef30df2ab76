//go:build integration

package integration

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/infra"
	"github.com/eliteGoblin/focusd/devmon/internal/knowledge"
	"github.com/eliteGoblin/focusd/devmon/test/fixtures"
)

var _ = Describe("Agent in a launched app", func() {
	var (
		project *fixtures.FakeProject
		out     *gbytes.Buffer
		spec    infra.LaunchSpec
	)

	BeforeEach(func() {
		project = fixtures.NewFakeProject(GinkgoT().TempDir())
		Expect(project.Create()).To(Succeed())
		out = gbytes.NewBuffer()
		spec = infra.LaunchSpec{
			Command:    fakeAppPath,
			Args:       []string{fixtures.MainFile, "--port", "0"},
			Dir:        project.Dir,
			ExitSignal: 226,
			Stdout:     out,
			Stderr:     GinkgoWriter,
		}
	})

	launch := func() domain.Child {
		launcher := infra.NewExecLauncher(spec, infra.NewProcessManager(), zap.NewNop())
		child, err := launcher.Launch(context.Background())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = child.Kill() })
		return child
	}

	It("discovers startup and runtime files", func() {
		child := launch()

		var msg domain.Message
		Eventually(child.Messages(), 10*time.Second).Should(Receive(&msg))
		Expect(msg).To(Equal(domain.DiscoverMessage(knowledge.Canonical(project.Path(fixtures.MainFile)))))

		Eventually(child.Messages(), 5*time.Second).Should(Receive(&msg))
		Expect(msg).To(Equal(domain.DiscoverMessage(knowledge.Canonical(project.Path(fixtures.LibFile)))))

		Eventually(out, 5*time.Second).Should(gbytes.Say(`supervised=true args=\[main.conf --port 0\]`))
	})

	It("ignores unknown commands and exits with the exit signal on reset", func() {
		child := launch()
		Eventually(out, 10*time.Second).Should(gbytes.Say("listening"))

		Expect(child.Send(domain.Command("bogus"))).To(Succeed())
		Expect(child.Send(domain.CommandReload)).To(Succeed())
		Consistently(child.Done(), 300*time.Millisecond).ShouldNot(Receive())

		Expect(child.Send(domain.CommandReset)).To(Succeed())
		var st domain.ExitStatus
		Eventually(child.Done(), 10*time.Second).Should(Receive(&st))
		Expect(st.Signaled).To(BeFalse())
		Expect(st.Code).To(Equal(226))
	})

	It("reports uncaught panics when enabled", func() {
		spec.NotifyUncaught = true
		spec.Env = append(os.Environ(), "FAKEAPP_PANIC=1")
		child := launch()

		Eventually(func() domain.MessageType {
			select {
			case msg := <-child.Messages():
				return msg.Type
			default:
				return ""
			}
		}, 10*time.Second, 10*time.Millisecond).Should(Equal(domain.MessageUncaughtException))

		var st domain.ExitStatus
		Eventually(child.Done(), 10*time.Second).Should(Receive(&st))
		Expect(st.Code).To(Equal(1))
	})
})
