package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/pixeldispatch/internal/api"
	"github.com/mattjoyce/pixeldispatch/internal/config"
	"github.com/mattjoyce/pixeldispatch/internal/coordinator"
	"github.com/mattjoyce/pixeldispatch/internal/device"
	"github.com/mattjoyce/pixeldispatch/internal/dispatch"
	"github.com/mattjoyce/pixeldispatch/internal/events"
	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/lock"
	"github.com/mattjoyce/pixeldispatch/internal/log"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
	"github.com/mattjoyce/pixeldispatch/internal/storage"
	"github.com/mattjoyce/pixeldispatch/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "mode":
		return runModeNoun(args)
	case "task":
		return runTaskNoun(args)
	case "origin":
		return runOriginNoun(args)
	case "remote":
		return runRemoteNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "status":
		return runSystemStatus(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: pixeldispatch version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("pixeldispatch %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`pixeldispatch - Priority dispatch for shared pixel displays

Usage:
  pixeldispatch <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and health
  mode      Execution mode (local, network, remote)
  task      Queued display work
  origin    Origin blocking
  remote    Fire-and-forget execution log
  config    Configuration and integrity

System Commands:
  system start      Start the dispatch service in the foreground
  system status     Show mode, queue depth and lock state
  system watch      Live monitoring TUI (needs the API)

Mode Commands:
  mode show         Show the persisted mode
  mode set <mode>   Persist a new mode

Task Commands:
  task list         List tasks by status
  task add          Admit a task
  task remove <id>  Cancel a waiting task or forget a finished one

Origin Commands:
  origin list              List blocked origins
  origin block <origin>    Refuse new tasks from an origin
  origin unblock <origin>  Accept tasks from an origin again

Remote Commands:
  remote list       Show recorded remote executions
  remote drain      Show and clear recorded remote executions

Config Commands:
  config check      Validate syntax and integrity
  config lock       Write the integrity manifest

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Offline commands that change state refuse to run while the service holds the
state lock. Use the HTTP API against a running service instead.

Use 'pixeldispatch <noun> help' for resource-specific flags.
`)
}

// --- SYSTEM ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pixeldispatch system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printSystemStartHelp() {
	fmt.Println("Usage: pixeldispatch system start [--config PATH]")
	fmt.Println("Start the dispatch service in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: pixeldispatch system status [--config PATH] [--json]")
	fmt.Println("Show the persisted mode, queue depth, blocked origins and lock state.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  State was readable")
	fmt.Println("  1  Config or state could not be read")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: pixeldispatch system watch [--api-url URL]")
	fmt.Println()
	fmt.Println("Live monitoring TUI. Shows mode, queue, blocked calls and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Admin API URL (default: http://127.0.0.1:8080)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  l / n            Switch to local / network mode")
	fmt.Println("  R                Release every blocked call")
	fmt.Println("  r                Refresh")
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", envOr("PIXELDISPATCH_API_URL", "http://127.0.0.1:8080"), "Admin API URL")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

type systemStatus struct {
	coordinator.ServiceStatus
	Backend    string `json:"backend"`
	StatePath  string `json:"state_path,omitempty"`
	LockPath   string `json:"lock_path"`
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	RemoteLogs int    `json:"remote_log_entries"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	return withState(*configPath, false, func(ctx context.Context, st *offlineState, q *queue.Queue, ic *intercept.Interceptor) int {
		remote, err := coordinator.ReadRemoteLog(ctx, st.store, st.logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read remote log: %v\n", err)
			return 1
		}

		out := systemStatus{
			ServiceStatus: coordinator.StatusOf(ic, q),
			Backend:       st.cfg.State.Backend,
			LockPath:      lock.PathFor(st.cfg.State),
			RemoteLogs:    len(remote),
		}
		if st.cfg.State.Backend != config.BackendRedis {
			out.StatePath = st.cfg.State.Path
		}
		out.Running = lock.Held(out.LockPath)
		if out.Running {
			if pid, err := lock.ReadPID(out.LockPath); err == nil {
				out.PID = pid
			}
		}
		return printSystemStatus(out, *jsonOut)
	})
}

func printSystemStatus(out systemStatus, jsonOut bool) int {
	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("mode:            %s\n", out.Mode)
	fmt.Printf("backend:         %s\n", out.Backend)
	if out.StatePath != "" {
		fmt.Printf("state:           %s\n", out.StatePath)
	}
	if out.Running {
		fmt.Printf("service:         running (pid %d)\n", out.PID)
	} else {
		fmt.Println("service:         stopped")
	}
	d := out.QueueDepth
	fmt.Printf("queue:           %d waiting, %d executing, %d completed, %d failed\n",
		d.Waiting, d.Executing, d.Completed, d.Failed)
	if len(out.BlockedOrigins) > 0 {
		fmt.Printf("blocked origins: %s\n", strings.Join(out.BlockedOrigins, ", "))
	}
	fmt.Printf("remote log:      %d entries\n", out.RemoteLogs)
	return 0
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// --- START ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("pixeldispatch starting", "version", version, "config", cfg.SourcePath, "backend", cfg.State.Backend)

	pidLockPath := lock.PathFor(cfg.State)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.State)
	if err != nil {
		logger.Error("failed to open state", "backend", cfg.State.Backend, "error", err)
		return 1
	}
	defer store.Close()

	hub := events.NewHub(256)

	q := queue.New(store, queue.Options{
		MaxRetries:       cfg.Queue.MaxRetries,
		CompletedHistory: cfg.Queue.CompletedHistory,
		Logger:           log.WithComponent("queue"),
	})
	if err := q.Load(ctx); err != nil {
		logger.Error("failed to load queue", "error", err)
		return 1
	}

	ic := intercept.New(store, intercept.Options{
		DefaultMode:   intercept.Mode(cfg.Interceptor.ModeDefault),
		WaitTimeout:   cfg.Interceptor.WaitTimeout,
		SensitiveKeys: cfg.Interceptor.SensitiveKeys,
		Logger:        log.WithComponent("intercept"),
		Events:        hub,
	})
	if err := ic.Load(ctx); err != nil {
		logger.Error("failed to load mode", "error", err)
		return 1
	}

	coord := coordinator.New(q, ic, store, coordinator.Options{
		Routes:      cfg.Coordinator.Routes,
		JournalSize: cfg.Coordinator.JournalSize,
		Logger:      log.WithComponent("coordinator"),
		Events:      hub,
	})
	ic.Attach(coord)

	pool := device.NewPool(cfg.Devices)
	driver := &device.LogDriver{Logger: log.WithComponent("device"), Hold: device.DefaultHold()}
	registry := dispatch.NewDefaultRegistry(driver, pool, cfg.Timer)
	disp := dispatch.New(q, pool, registry, hub, cfg.Queue)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	dispDone := make(chan struct{})

	go func() {
		defer close(dispDone)
		if err := disp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: cfg.API.Listen}, api.Deps{
			Tasks:      q,
			Modes:      ic,
			Executions: coord,
			Devices:    pool,
			Calls:      &coordinator.Invoker{Interceptor: ic, Coordinator: coord, Local: disp},
			Events:     hub,
		}, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("pixeldispatch running (press Ctrl+C to stop)",
		"mode", ic.Mode(),
		"workers", cfg.Queue.Workers,
		"devices", len(pool.List()),
		"waiting", q.Depth().Waiting,
	)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	cancel()
	// Blocked guarded calls would otherwise hold API requests open.
	if n := ic.ResumeAll(nil); n > 0 {
		logger.Info("released blocked calls on shutdown", "count", n)
	}
	<-dispDone

	logger.Info("pixeldispatch stopped")
	return code
}
