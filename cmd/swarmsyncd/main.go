package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schaermu/swarmsyncd/internal/config"
	"github.com/schaermu/swarmsyncd/internal/git"
	"github.com/schaermu/swarmsyncd/internal/reconcile"
	"github.com/schaermu/swarmsyncd/internal/swarm"
	"github.com/schaermu/swarmsyncd/internal/webhook"
	"github.com/spf13/cobra"
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
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "swarmsyncd",
	Short: "Synchronize Docker Swarm stacks from Git repositories",
	Long: `swarmsyncd continuously reconciles Docker Swarm stacks against the desired
state declared in a Git repository.

It can run as a oneshot reconcile (via systemd timer or cron), as a polling
daemon, or as a long-running webhook server that reacts to GitHub push events.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time reconcile from repository to Swarm",
	Long: `Sync fetches the configured Git repository, resolves the desired stack set,
and converges the Swarm cluster towards it: changed stacks are deployed,
stacks removed from the desired set are taken down.

When the repository revision has not changed since the last reconcile, the
cycle is skipped entirely.`,
	RunE: runSync,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the polling reconcile loop",
	Long: `Run starts a long-running loop that reconciles the cluster at the configured
poll interval. Reconcile errors are logged and the loop continues; only
signal-driven shutdown stops it.`,
	RunE: runLoop,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook events
and reconciles when the configured repository is updated. Health and Prometheus
metrics endpoints are exposed alongside the webhook.

This mode requires additional configuration for webhook secrets and allowed refs.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("swarmsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/swarmsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the action plan without deploying or removing anything")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(runCmd)
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

	engine := buildEngine(ctx, cfg, logger)

	logger.Info("starting reconcile operation")
	if err := engine.Run(ctx); err != nil {
		logger.Error("reconcile failed", "error", err)
		return err
	}

	return nil
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := buildEngine(ctx, cfg, logger)
	return engine.RunLoop(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve mode is not enabled in the configuration (serve.enabled)")
	}

	engine := buildEngine(ctx, cfg, logger)

	server, err := webhook.NewServer(cfg, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	return server.Start(ctx)
}

// buildEngine wires the git client and Swarm orchestrator into a reconcile
// engine. A failing Swarm ping is a warning only; the cluster may simply not
// be reachable yet.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) *reconcile.Engine {
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	orchestrator := swarm.NewCLIClient(logger)

	if err := orchestrator.Ping(ctx); err != nil {
		logger.Warn("swarm cluster not reachable at startup", "error", err)
	}

	return reconcile.NewEngine(cfg, gitClient, orchestrator, logger, dryRun)
}

func setupLogger() *slog.Logger {
	// Parse log level
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

	// Create handler based on format
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
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/swarmsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"ref", cfg.Repo.Ref,
		"stacks_file", cfg.Stacks.File,
		"state_dir", cfg.Paths.StateDir)

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
