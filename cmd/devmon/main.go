// Package main is the CLI entry point for devmon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/devmon/internal/config"
	"github.com/eliteGoblin/focusd/devmon/internal/daemon"
	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/infra"
	"github.com/eliteGoblin/focusd/devmon/internal/policy"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devmon [flags] -- <command> [args...]",
	Short: "Development supervisor - restarts or reloads your app on change",
	Long: `devmon runs your application and watches the project directory.

When a file the application loaded as main process code changes, the app
is told to exit and is launched again. Any other change reloads every open
surface (connected browser pages) without a restart.

The command comes from the arguments after -- or from .devmon.yaml.
Send SIGHUP to force a restart and SIGUSR1 to force a reload.`,
	Version:      Version,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	RunE:         runSupervise,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent lifecycle events",
	Long:  `Shows launches, exits, restarts, reloads and crashes recorded in the project journal.`,
	RunE:  runHistory,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check supervisor status",
	Long:  `Shows whether a supervisor is running for this project and what it supervises.`,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath     string
	logLevel       string
	exitSignal     int
	buildCommand   string
	patterns       []string
	policyIDs      []string
	debounce       time.Duration
	notifyUncaught bool
	noJournal      bool

	historyLimit int
	jsonOutput   bool
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Settings file (default ./.devmon.yaml)")
	flags.StringVarP(&logLevel, "log-level", "l", "", "quiet, error, info or verbose")
	flags.IntVar(&exitSignal, "exit-signal", config.DefaultExitSignal, "Exit code that means \"relaunch me\"")
	flags.StringVarP(&buildCommand, "build", "b", "", "Shell command run before every launch")
	flags.StringSliceVarP(&patterns, "pattern", "p", nil, "Watch pattern; prefix with ! to ignore (repeatable)")
	flags.StringSliceVar(&policyIDs, "policy", nil, "Built-in watch policies (go, web)")
	flags.DurationVar(&debounce, "debounce", 0, "Delay that coalesces bursts of changes")
	flags.BoolVar(&notifyUncaught, "notify-uncaught", false, "Report uncaught panics in the app")
	flags.BoolVar(&noJournal, "no-journal", false, "Do not record lifecycle events")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of events to show")
	historyCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output events as JSON")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadSettings merges the settings file, the changed flags and the
// environment, in that order.
func loadSettings(cmd *cobra.Command, dir string, args []string) (config.Settings, error) {
	s, err := config.LoadSettings(dir, configPath)
	if err != nil {
		return s, err
	}

	flags := cmd.Flags()
	if len(args) > 0 {
		s.Command = args
	}
	if flags.Changed("log-level") {
		s.LogLevel = logLevel
	}
	if v, ok := os.LookupEnv(config.EnvLogLevel); ok && v != "" {
		s.LogLevel = v
	}
	if flags.Changed("exit-signal") {
		s.ExitSignal = exitSignal
	}
	if flags.Changed("build") {
		s.Build = buildCommand
	}
	if flags.Changed("pattern") {
		s.Patterns = patterns
	}
	if flags.Changed("policy") {
		s.Policies = policyIDs
	}
	if flags.Changed("debounce") {
		s.Debounce = debounce
	}
	if flags.Changed("notify-uncaught") {
		s.NotifyUncaught = notifyUncaught
	}
	if noJournal {
		disabled := false
		s.Journal = &disabled
	}
	return s, s.Validate()
}

func stateDir(dir string) string {
	return filepath.Join(dir, config.StateDirName)
}

func runSupervise(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	settings, err := loadSettings(cmd, dir, args)
	if err != nil {
		if errors.Is(err, config.ErrNoCommand) {
			_ = cmd.Usage()
		}
		return err
	}

	level := config.ParseLogLevel(settings.LogLevel)
	logger := config.NewLogger("devmon", level, os.Stderr)
	defer func() { _ = logger.Sync() }()

	policies, err := policy.NewRegistry().Select(settings.Policies)
	if err != nil {
		return err
	}
	matcher := policy.NewMatcher(dir, policies, settings.Patterns)
	watcher, err := infra.NewFSWatcher(dir, matcher, settings.Debounce, logger.Named("watcher"))
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var journal domain.Journal = infra.NopJournal{}
	if settings.JournalEnabled() {
		j, err := infra.OpenJournal(stateDir(dir))
		if err != nil {
			logger.Warn("journal unavailable, continuing without history", zap.Error(err))
		} else {
			journal = j
		}
	}
	defer journal.Close()

	pm := infra.NewProcessManager()
	launcher := infra.NewExecLauncher(infra.LaunchSpec{
		Command:        settings.Command[0],
		Args:           settings.Command[1:],
		Dir:            dir,
		Build:          settings.Build,
		ExitSignal:     settings.ExitSignal,
		LogLevel:       string(level),
		NotifyUncaught: settings.NotifyUncaught,
		Extensions:     settings.Resolve.Extensions,
		IndexNames:     settings.Resolve.Index,
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	}, pm, logger.Named("launcher"))

	supConfig := daemon.DefaultSupervisorConfig()
	supConfig.ExitSignal = settings.ExitSignal
	sup := daemon.NewSupervisor(
		supConfig,
		launcher,
		watcher.Changes(),
		journal,
		infra.NewFileRunRegistry(stateDir(dir)),
		pm,
		settings.Command,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Debug("watching",
		zap.String("dir", dir),
		zap.Int("dirs", len(watcher.WatchedDirs())),
		zap.Strings("policies", settings.Policies),
		zap.String("run_id", sup.RunID()))

	return runGroup(ctx, sup.Run,
		watcher.Run,
		func(ctx context.Context) error { return forwardSignals(ctx, sup, logger) },
	)
}

// runGroup runs the supervisor alongside its helpers. The helpers stop as
// soon as the supervisor returns, with or without an error.
func runGroup(ctx context.Context, supervise func(context.Context) error, helpers ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	helperCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	for _, run := range helpers {
		run := run
		g.Go(func() error { return run(helperCtx) })
	}
	g.Go(func() error {
		err := supervise(gctx)
		if err == nil {
			// A failure already cancels gctx once the group records it.
			cancel()
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// forwardSignals maps SIGHUP to a restart and SIGUSR1 to a reload.
func forwardSignals(ctx context.Context, sup *daemon.Supervisor, logger *zap.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigCh:
			var err error
			if sig == syscall.SIGHUP {
				err = sup.Restart(ctx)
			} else {
				err = sup.Reload(ctx)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("signal request failed", zap.String("signal", sig.String()), zap.Error(err))
			}
		}
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	journal, err := infra.OpenJournal(stateDir(dir))
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer journal.Close()

	events, err := journal.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}
	// Oldest first reads naturally in a terminal.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		line := fmt.Sprintf("%s  %-12s", ev.At.Local().Format("2006-01-02 15:04:05"), ev.Kind)
		if ev.PID > 0 {
			line += fmt.Sprintf("  pid=%d", ev.PID)
		}
		if ev.Kind == domain.JournalExit {
			line += fmt.Sprintf("  code=%d", ev.ExitCode)
		}
		if ev.File != "" {
			line += "  " + ev.File
		}
		fmt.Println(line)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	pm := infra.NewProcessManager()
	state, err := infra.NewFileRunRegistry(stateDir(dir)).Load()

	fmt.Println("\n=== devmon Status ===")
	if err != nil {
		fmt.Printf("Status: UNKNOWN (%v)\n", err)
		return nil
	}
	if state == nil || !pm.IsRunning(state.SupervisorPID) {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'devmon -- <command>' to start supervising.")
		return nil
	}

	fmt.Printf("Status: RUNNING (supervisor pid %d)\n", state.SupervisorPID)
	fmt.Printf("Command: %v\n", state.Command)
	if state.ChildPID > 0 && pm.IsRunning(state.ChildPID) {
		fmt.Printf("App: running (pid %d)\n", state.ChildPID)
	} else if state.LastExitCode != nil {
		fmt.Printf("App: exited with code %d, waiting for change\n", *state.LastExitCode)
	} else {
		fmt.Println("App: not running")
	}
	fmt.Printf("Main process files: %d\n", state.MainFiles)
	fmt.Printf("Run ID: %s\n", state.RunID)

	if state.LastHeartbeat > 0 {
		lastBeat := time.Unix(state.LastHeartbeat, 0)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}
	fmt.Println("=====================")
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("devmon %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
