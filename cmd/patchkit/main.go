package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/schaermu/patchkit/internal/config"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile      string
	logLevel     string
	logFormat    string
	rootDir      string
	manifestURL  string
	publishFlags publishOptions
	forceInit    bool
	listenAddr   string
)

// Test seams
var (
	logOutput   io.Writer = os.Stderr
	exitProcess           = os.Exit
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "Error:", ee.err)
			}
			exitProcess(ee.code)
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		exitProcess(1)
	}
}

// exitError carries a process exit code decided by a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "patchkit",
	Short: "Keep an installed file tree in sync with a published manifest",
	Long: `patchkit compares a local installation against a manifest of files with
their sizes and content hashes, downloads whatever differs, and can replace
its own executable through a shadow copy hand-off.

Publishers use it to stage a release folder and write the manifest that
clients consume.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether the install tree diverges from its manifest",
	RunE:  runCheck,
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Download every file that diverges from the manifest",
	RunE:  runApply,
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Stage a local tree and write its manifest",
	Long: `Publish scans a local folder, copies every file into a staging folder,
and writes <channel>.xml plus a timestamped backup under ManifestBackup/.

The staging folder is what gets uploaded to the distribution URL.`,
	RunE: runPublish,
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Self-update, patch the install tree, then start the application",
	Long: `Launch holds the single-instance lock, applies a pending self-update
through a shadow copy of this executable, converges the install tree and
finally starts install.launch_command.

The process exit code reports the hand-off outcome: 0 done, 1 another
instance is running, 2 handed off to the shadow copy, 3 relaunched after a
self-update, 4 the self-update failed.`,
	RunE: runLaunch,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control server",
	Long: `Serve exposes check, apply, cancel and status over HTTP and streams
progress as Server-Sent Events on /events.

A systemd socket-activated listener is used when present.`,
	RunE: runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runConfigInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "patchkit %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/patchkit/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json, pretty)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "install tree, overrides install.root")
	rootCmd.PersistentFlags().StringVar(&manifestURL, "manifest", "", "manifest URL or path, overrides install.manifest_url")

	// Publish command flags
	publishCmd.Flags().StringVar(&publishFlags.source, "source", "", "local tree to publish (required)")
	publishCmd.Flags().StringVar(&publishFlags.out, "out", "", "staging folder to write (required)")
	publishCmd.Flags().StringVar(&publishFlags.channel, "channel", "live", "manifest name without extension")
	publishCmd.Flags().StringVar(&publishFlags.url, "url", "", "base URL the staging folder will be served from")
	publishCmd.Flags().StringVar(&publishFlags.hash, "hash", "", "hash algorithm, overrides publish.hash_algorithm")
	_ = publishCmd.MarkFlagRequired("source")
	_ = publishCmd.MarkFlagRequired("out")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address, overrides serve.listen_addr")
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing config file")

	// Add commands
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
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

	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(logOutput, opts)
	case "pretty":
		handler = log.NewWithOptions(logOutput, log.Options{
			Level:           log.Level(level),
			ReportTimestamp: true,
		})
	default:
		handler = slog.NewTextHandler(logOutput, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	logger.Debug("loading configuration", "path", path)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if rootDir != "" {
		abs, err := filepath.Abs(rootDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve --root: %w", err)
		}
		cfg.Install.Root = abs
	}
	if manifestURL != "" {
		cfg.Install.ManifestURL = manifestURL
	}

	logger.Debug("configuration loaded",
		"root", cfg.Install.Root,
		"manifest", cfg.Install.ManifestURL,
		"selfupdate", cfg.SelfUpdate.Enabled,
		"cache_backend", cfg.Cache.Backend)

	return cfg, nil
}

// requireInstall fails when no install tree and manifest are known
func requireInstall(cfg *config.Config) error {
	if cfg.Install.Root == "" {
		return errors.New("no install tree configured (set install.root or --root)")
	}
	if cfg.Install.ManifestURL == "" {
		return errors.New("no manifest configured (set install.manifest_url or --manifest)")
	}
	return nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
