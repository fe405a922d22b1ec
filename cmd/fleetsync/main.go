package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/spf13/cobra"

	"github.com/fleetsync/fleetsync/internal/annotate"
	"github.com/fleetsync/fleetsync/internal/api"
	"github.com/fleetsync/fleetsync/internal/config"
	"github.com/fleetsync/fleetsync/internal/fleet"
	"github.com/fleetsync/fleetsync/internal/gitauth"
	"github.com/fleetsync/fleetsync/internal/history"
	"github.com/fleetsync/fleetsync/internal/materializer"
	"github.com/fleetsync/fleetsync/internal/provider"
	"github.com/fleetsync/fleetsync/internal/publish"
	"github.com/fleetsync/fleetsync/internal/registry"
	"github.com/fleetsync/fleetsync/internal/server"
	"github.com/fleetsync/fleetsync/internal/sync"
	"github.com/fleetsync/fleetsync/internal/workspace"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	jsonOut   bool
	workers   int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetsync",
	Short: "Synchronize a fleet of template repositories from a monorepo",
	Long: `fleetsync keeps a fleet of template repositories in lockstep with their
canonical sources in a template monorepo.

For every registry entry it ensures the remote repository exists with the
right team access and template marking, regenerates the template content
into a fresh workspace, refreshes dependency locks, stamps the README with
provenance, and force-pushes the result as a single snapshot commit.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync every registry entry once",
	Long: `Sync loads the template registry and runs the full progression for each
entry. Entries that fail do not stop the batch; the command exits non-zero
if any entry failed after all of them were attempted.`,
	RunE: runSync,
}

var syncOneCmd = &cobra.Command{
	Use:   "sync-one <name> [source-path]",
	Short: "Sync a single template",
	Long: `Sync-one runs the full progression for one template. With just a name it
looks the entry up in the registry; with a name and a monorepo-relative
source path it syncs an ad-hoc entry that need not be registered.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSyncOne,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that syncs the fleet when the
template monorepo receives a push, and exposes the latest report and the
run journal over a small JSON API.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/fleetsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "materialize locally without touching the remote provider")
	syncCmd.Flags().BoolVar(&jsonOut, "json", false, "print the run report as JSON")
	syncCmd.Flags().IntVar(&workers, "concurrency", 0, "number of entries synced in parallel (overrides config)")
	syncOneCmd.Flags().BoolVar(&dryRun, "dry-run", false, "materialize locally without touching the remote provider")
	syncOneCmd.Flags().BoolVar(&jsonOut, "json", false, "print the run report as JSON")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(syncOneCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	entries, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	driver, err := buildDriver(cfg, logger)
	if err != nil {
		return err
	}

	report := driver.Run(ctx, entries, api.TriggerManual)
	recordRun(cfg, report, logger)

	if err := printReport(report); err != nil {
		return err
	}

	if failed := report.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d entries failed", failed, len(report.Results))
	}
	return nil
}

func runSyncOne(cmd *cobra.Command, args []string) error {
	name := args[0]

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var match []api.TemplateEntry
	if len(args) == 2 {
		match = []api.TemplateEntry{{Name: name, SourcePath: args[1]}}
	} else {
		entries, err := registry.Load(cfg.Registry.Path)
		if err != nil {
			return fmt.Errorf("failed to load registry: %w", err)
		}
		for _, entry := range entries {
			if entry.Name == name {
				match = append(match, entry)
				break
			}
		}
		if len(match) == 0 {
			return fmt.Errorf("template %s is not in the registry", name)
		}
	}

	driver, err := buildDriver(cfg, logger)
	if err != nil {
		return err
	}

	report := driver.Run(ctx, match, api.TriggerManual)
	recordRun(cfg, report, logger)

	if err := printReport(report); err != nil {
		return err
	}

	if report.Failed() > 0 {
		res := report.Results[0]
		return fmt.Errorf("sync of %s failed at stage %s: %s", name, res.Stage, res.Error)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	driver, err := buildDriver(cfg, logger)
	if err != nil {
		return err
	}

	journal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	syncFn := func(ctx context.Context, trigger string) (*api.FleetSyncReport, error) {
		entries, err := registry.Load(cfg.Registry.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load registry: %w", err)
		}
		report := driver.Run(ctx, entries, trigger)
		if journal != nil {
			if err := journal.RecordRun(context.Background(), report); err != nil {
				logger.Warn("Failed to record run in journal", "error", err)
			}
		}
		return report, nil
	}

	var journalReader server.Journal
	if journal != nil {
		journalReader = journal
	}

	srv, err := server.New(cfg, syncFn, journalReader, logger)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// buildDriver wires the full per-entry pipeline and wraps it in a batch
// driver.
func buildDriver(cfg *config.Config, logger *slog.Logger) (*fleet.Driver, error) {
	prov := provider.NewClient(provider.Config{
		BaseURL:    cfg.Provider.BaseURL,
		WebBaseURL: cfg.Provider.WebBaseURL,
		Org:        cfg.Fleet.Org,
		Token:      cfg.Token(),
		Visibility: string(cfg.Fleet.Visibility),
		Timeout:    cfg.ProviderTimeout(),
		RateLimit:  cfg.Provider.RateLimit,
	})

	auth, err := pushAuth(cfg)
	if err != nil {
		return nil, err
	}

	publisher := &publish.Publisher{
		Branch:      cfg.Fleet.DefaultBranch,
		AuthorName:  cfg.Commit.AuthorName,
		AuthorEmail: cfg.Commit.AuthorEmail,
		Message:     cfg.Commit.Message,
		Auth:        auth,
		Timeout:     cfg.PushTimeout(),
		DryRun:      dryRun,
		Logger:      logger,
	}

	shell := materializer.NewShell(cfg.Materialize.Command, cfg.Materialize.LockCommand, cfg.MaterializeTimeout(), logger)
	workspaces := workspace.NewManager(cfg.WorkspaceRoot(), cfg.Paths.KeepFailed, logger)

	engine := sync.NewEngine(cfg, prov, shell, annotate.Appender{}, publisher, workspaces, logger, dryRun)

	concurrency := cfg.Sync.Concurrency
	if workers > 0 {
		concurrency = workers
	}
	return fleet.NewDriver(engine, concurrency, logger), nil
}

func pushAuth(cfg *config.Config) (transport.AuthMethod, error) {
	switch cfg.Push.Auth {
	case config.PushAuthToken:
		token := cfg.Token()
		if token == "" {
			return nil, fmt.Errorf("push.auth is token but %s is not set", cfg.Provider.TokenEnv)
		}
		return gitauth.TokenAuth(token), nil
	case config.PushAuthSSH:
		return gitauth.SSHAuth(cfg.Push.SSHKeyFile, cfg.Push.KnownHostsFile)
	default:
		return nil, nil
	}
}

// openJournal builds the configured journal backend, or nil when the journal
// is disabled.
func openJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger) (history.Journal, error) {
	if !cfg.HistoryEnabled() {
		return nil, nil
	}

	switch cfg.History.Driver {
	case config.HistoryDriverPostgres:
		journal, err := history.NewPostgresJournal(ctx, cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres journal: %w", err)
		}
		logger.Info("Using PostgreSQL run journal")
		return journal, nil
	default:
		journal, err := history.NewSQLiteJournal(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite journal: %w", err)
		}
		logger.Info("Using SQLite run journal", "path", cfg.History.Path)
		return journal, nil
	}
}

func recordRun(cfg *config.Config, report *api.FleetSyncReport, logger *slog.Logger) {
	if !cfg.HistoryEnabled() {
		return
	}
	journal, err := openJournal(context.Background(), cfg, logger)
	if err != nil {
		logger.Warn("Failed to open run journal", "error", err)
		return
	}
	defer journal.Close()

	if err := journal.RecordRun(context.Background(), report); err != nil {
		logger.Warn("Failed to record run in journal", "error", err)
	}
}

func printReport(report *api.FleetSyncReport) error {
	if !jsonOut {
		return nil
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/fleetsync/config.yaml", home)
	}

	logger.Info("Loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("Configuration loaded",
		"org", cfg.Fleet.Org,
		"registry", cfg.Registry.Path,
		"monorepo_root", cfg.Paths.MonorepoRoot)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
