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

	"github.com/mattjoyce/occd/internal/api"
	"github.com/mattjoyce/occd/internal/blame"
	"github.com/mattjoyce/occd/internal/config"
	"github.com/mattjoyce/occd/internal/dispatch"
	"github.com/mattjoyce/occd/internal/doctor"
	"github.com/mattjoyce/occd/internal/events"
	"github.com/mattjoyce/occd/internal/feed"
	"github.com/mattjoyce/occd/internal/history"
	"github.com/mattjoyce/occd/internal/inspect"
	"github.com/mattjoyce/occd/internal/lock"
	"github.com/mattjoyce/occd/internal/log"
	"github.com/mattjoyce/occd/internal/registry"
	"github.com/mattjoyce/occd/internal/runner"
	"github.com/mattjoyce/occd/internal/tui/watch"
	"gopkg.in/yaml.v3"
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
	case "config":
		return runConfigNoun(args)
	case "history":
		return runHistoryNoun(args)

	// --- TOP-LEVEL ACTIONS ---
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
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

func printUsage() {
	fmt.Print(`occd - on-commit command daemon

Usage:
  occd <command> [flags]

Daemon:
  start             Subscribe to the commit feed and run matching commands

Config Commands:
  config check      Validate configuration beyond what loading enforces
  config lock       Authorize current config state (write integrity hash)
  config show       Print the resolved configuration (credentials redacted)

History Commands:
  history list      List recent executions
  history show <id> Show one execution with its captured output

Monitoring:
  watch             Real-time monitoring TUI (requires the API server)

General:
  version           Show version information
  help              Show this help message

Use 'occd <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runHistoryNoun(args []string) int {
	if len(args) < 1 {
		printHistoryNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printHistoryNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printHistoryListHelp()
			return 0
		}
		return runHistoryList(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printHistoryShowHelp()
			return 0
		}
		return runHistoryShow(actionArgs)
	case "help":
		printHistoryNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown history action: %s\n", action)
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

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: occd config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printHistoryNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: occd history <action> [flags]")
	fmt.Fprintln(w, "Actions: list, show")
}

func printStartHelp() {
	fmt.Println("Usage: occd start [--config PATH]")
	fmt.Println("Start the daemon in the foreground.")
}

func printWatchHelp() {
	fmt.Println("Usage: occd watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI.")
	fmt.Println("Shows feed state, subscriptions, recent executions, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Daemon API URL (default: http://127.0.0.1:8060)")
	fmt.Println("  --api-key KEY    API Bearer Token (or OCCD_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓              Scroll executions")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: occd config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate subscriptions, feed, notify, and runtime settings.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Configuration valid")
	fmt.Println("  1  Errors found")
	fmt.Println("  2  Warnings found (only with --strict)")
}

func printConfigLockHelp() {
	fmt.Println("Usage: occd config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating its integrity hash.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: occd config show [--config PATH] [--json]")
	fmt.Println("Show the fully resolved configuration. Credentials are redacted.")
}

func printHistoryListHelp() {
	fmt.Println("Usage: occd history list [--config PATH] [--subscription NAME] [--failures] [--limit N] [--json]")
	fmt.Println("List recent executions, newest first.")
}

func printHistoryShowHelp() {
	fmt.Println("Usage: occd history show <id> [--config PATH] [--json]")
	fmt.Println("Show one execution including its captured output.")
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfig()
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

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("occd starting", "version", version, "config", *configPath)

	lockPath := lock.ForState(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := history.Open(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open execution history", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer store.Close()
	logger.Info("execution history opened", "path", cfg.State.Path)

	reg, err := registry.Load(cfg)
	if err != nil {
		logger.Error("failed to load subscription registry", "error", err)
		return 1
	}
	logger.Info("subscription registry loaded", "subscriptions", reg.Len())
	for _, sub := range reg.All() {
		logger.Info("subscription registered",
			"name", sub.Name,
			"topics", strings.Join(sub.Topics, ","),
			"blame_recipients", len(sub.Blame),
		)
	}

	hub := events.NewHub(256)

	var notifier dispatch.Notifier
	if cfg.Notify.Configured() {
		n, err := blame.New(cfg.Notify)
		if err != nil {
			logger.Error("failed to configure blame notifier", "error", err)
			return 1
		}
		notifier = n
		logger.Info("blame notifier enabled", "smtp_host", cfg.Notify.SMTPHost, "smtp_port", cfg.Notify.SMTPPort)
	}

	disp := dispatch.New(cfg.Runner, reg, runner.New(cfg.Runner), store, notifier, hub)

	client := feed.New(cfg.Feed, disp.HandleEvent)
	client.OnStateChange = func(state string) {
		hub.Publish(events.TypeFeedState, map[string]string{"state": state})
	}

	pruner := history.NewPruner(store, cfg.Service.HistoryRetention)
	pruner.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("feed: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(cfg.API, reg, store, client, disp, hub)
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("occd running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	// Stop intake first, then drain the lanes within the grace period.
	cancel()
	disp.Stop()
	pruner.Stop()

	logger.Info("occd stopped")
	return exitCode
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Compute the hash without writing")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	if configPath == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	report, err := config.Lock(configPath, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if isVerbose {
		fmt.Printf("  HASH %s: %s\n", report.ConfigPath, report.Hash)
		if dryRun {
			fmt.Printf("  DRY-RUN .checksums: %s (not written)\n", report.ChecksumPath)
		} else {
			fmt.Printf("  WROTE .checksums: %s\n", report.ChecksumPath)
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %s (no files written)\n", report.ConfigPath)
	} else {
		fmt.Printf("Successfully locked configuration: %s\n", report.ChecksumPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	doc, err := redactedConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Render error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(doc, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(doc)
		fmt.Print(string(data))
	}
	return 0
}

// redactedConfig renders the configuration through its JSON view, which
// omits credentials (feed and SMTP passwords, the API key). Secrets never
// leave the process via config show.
func redactedConfig(cfg *config.Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// historyRow is the summary shape for history list output.
type historyRow struct {
	ID           string    `json:"id"`
	Subscription string    `json:"subscription"`
	Topic        string    `json:"topic"`
	Revision     string    `json:"revision,omitempty"`
	Command      string    `json:"command"`
	Status       string    `json:"status"`
	ExitCode     int       `json:"exit_code"`
	Truncated    bool      `json:"truncated,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
}

func summarize(r *runner.Result) historyRow {
	return historyRow{
		ID:           r.ID,
		Subscription: r.Subscription,
		Topic:        r.Topic,
		Revision:     r.Revision,
		Command:      r.Command,
		Status:       string(r.Status),
		ExitCode:     r.ExitCode,
		Truncated:    r.Truncated,
		StartedAt:    r.StartedAt,
		DurationMS:   r.Duration().Milliseconds(),
	}
}

func runHistoryList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	subscription := fs.String("subscription", "", "Only executions for this subscription")
	failures := fs.Bool("failures", false, "Only failed executions")
	limit := fs.Int("limit", 20, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := history.Open(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open execution history: %v\n", err)
		return 1
	}
	defer store.Close()

	var rows []runner.Result
	if *failures {
		rows, err = store.Failures(ctx, *limit)
	} else {
		rows, err = store.Recent(ctx, *subscription, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
		return 1
	}

	if *jsonOut {
		summaries := make([]historyRow, 0, len(rows))
		for i := range rows {
			summaries = append(summaries, summarize(&rows[i]))
		}
		data, _ := json.MarshalIndent(summaries, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(rows) == 0 {
		fmt.Println("No executions recorded.")
		return 0
	}

	fmt.Printf("%-10s  %-19s  %-18s  %-13s  %5s  %10s  %s\n",
		"ID", "STARTED", "SUBSCRIPTION", "STATUS", "EXIT", "DURATION", "TOPIC")
	for i := range rows {
		r := &rows[i]
		topic := r.Topic
		if r.Revision != "" {
			topic += "@" + shortRevision(r.Revision)
		}
		fmt.Printf("%-10s  %-19s  %-18s  %-13s  %5d  %10s  %s\n",
			shortExecID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Subscription,
			r.Status,
			r.ExitCode,
			r.Duration().Round(time.Millisecond),
			topic,
		)
	}
	return 0
}

func runHistoryShow(args []string) int {
	// Flags may follow the positional ID, like 'occd history show <id> --json'.
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	var execID string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && execID == "" {
			execID = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if execID == "" {
		fmt.Fprintf(os.Stderr, "Usage: occd history show <id> [--config PATH] [--json]\n")
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := history.Open(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open execution history: %v\n", err)
		return 1
	}
	defer store.Close()

	var out string
	if jsonOut {
		out, err = inspect.BuildJSONReport(ctx, store, execID)
	} else {
		out, err = inspect.BuildReport(ctx, store, execID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Print(out)
	if jsonOut {
		fmt.Println()
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8060", "Daemon API URL")
	apiKey := fs.String("api-key", os.Getenv("OCCD_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or OCCD_API_KEY env var.")
		return 1
	}

	if err := watch.Run(*apiURL, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func shortExecID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
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
		fmt.Fprintln(os.Stderr, "Usage: occd version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("occd %s\n", info.Version)
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
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
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
