// Command fakeapp is a small application that attaches the devmon agent. It
// is launched by the integration tests.
//
// Arguments are resolved as startup files. lib.conf in the working directory
// is read at runtime. The page server address is printed to stdout. With
// FAKEAPP_PANIC set the app panics right after startup.
package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/devmon/internal/surface"
	"github.com/eliteGoblin/focusd/devmon/pkg/devmon"
	"github.com/eliteGoblin/focusd/devmon/test/fixtures"
)

func main() {
	h, err := devmon.Attach(devmon.Options{Name: "fakeapp"})
	if err != nil {
		log.Fatal(err)
	}
	defer h.Recover()

	hub := surface.NewHub(zap.NewNop())
	h.App().AddSurfaces(hub)
	h.App().OnWillQuit(hub.Close)

	if _, err := os.Stat(fixtures.LibFile); err == nil {
		if _, err := h.ReadFile(fixtures.LibFile); err != nil {
			log.Fatal(err)
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal(err)
	}
	page := http.FileServer(http.Dir("static"))
	go func() { _ = http.Serve(ln, hub.Handler(page)) }()

	fmt.Printf("started pid=%d supervised=%t args=%v\n", os.Getpid(), h.Supervised(), h.Args())
	fmt.Printf("listening http://%s\n", ln.Addr())

	if os.Getenv("FAKEAPP_PANIC") != "" {
		panic("fakeapp: requested panic")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	h.App().Quit()
	<-h.App().Exited()
	select {}
}
