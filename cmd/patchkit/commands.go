package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/schaermu/patchkit/internal/activation"
	"github.com/schaermu/patchkit/internal/bootstrap"
	"github.com/schaermu/patchkit/internal/config"
	"github.com/schaermu/patchkit/internal/control"
	"github.com/schaermu/patchkit/internal/digest"
	"github.com/schaermu/patchkit/internal/hashcache"
	"github.com/schaermu/patchkit/internal/launch"
	"github.com/schaermu/patchkit/internal/lock"
	"github.com/schaermu/patchkit/internal/publish"
	"github.com/schaermu/patchkit/internal/update"
)

type publishOptions struct {
	source  string
	out     string
	channel string
	url     string
	hash    string
}

// newLauncher starts install.launch_command; replaced in tests
var newLauncher = func(dir string) launch.Launcher {
	l := launch.NewExecLauncher()
	l.Dir = dir
	return l
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := requireInstall(cfg); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.engine.Check(ctx, cfg.Install.Root, cfg.Install.ManifestURL)
	if err != nil {
		logger.Error("check failed", "error", err)
		return err
	}

	if m.NeedsUpdate {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "update available")
	} else {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "up to date")
	}
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := requireInstall(cfg); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	updated, err := a.patchInstall(ctx)
	if err != nil {
		return err
	}

	if updated {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "updated")
	} else {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "up to date")
	}
	return nil
}

// patchInstall converges the install tree and reports whether it had diverged
func (a *app) patchInstall(ctx context.Context) (bool, error) {
	m, err := a.engine.Check(ctx, a.cfg.Install.Root, a.cfg.Install.ManifestURL)
	if err != nil {
		a.logger.Error("check failed", "error", err)
		return false, err
	}
	if !m.NeedsUpdate {
		a.logger.Info("install tree is up to date", "root", a.cfg.Install.Root)
		return false, nil
	}

	a.logger.Info("applying update", "root", a.cfg.Install.Root, "files", len(m.Entries))
	err = a.engine.Apply(ctx, m, func(p int) {
		a.logger.Info("apply progress", "percent", p)
	})
	if err != nil {
		a.logger.Error("apply failed", "error", err)
		return false, err
	}
	return true, nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	alg := cfg.HashAlgorithm()
	if publishFlags.hash != "" {
		if alg, err = digest.Parse(publishFlags.hash); err != nil {
			return err
		}
	}

	res, err := publish.CreatePatch(ctx, publish.Options{
		LocalFolder:     publishFlags.source,
		PatchFolder:     publishFlags.out,
		Channel:         publishFlags.channel,
		DistributionURL: publishFlags.url,
		Algorithm:       alg,
	}, logger)
	if err != nil {
		logger.Error("publish failed", "error", err)
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.ManifestPath)
	return nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// The hash cache store is opened only once this process owns the
	// instance lock. A process handing off keeps its locks until it exits,
	// and the self-update check never touches the persistent store.
	fetcher, err := newFetcher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	selfEngine := update.NewEngine(fetcher, hashcache.New(nil, logger), logger)

	selfManifest := ""
	if cfg.SelfUpdate.Enabled {
		selfManifest = cfg.SelfUpdate.ManifestURL
	}

	b := bootstrap.New(selfEngine,
		lock.New(cfg.Locks.Dir, cfg.Locks.InstanceName),
		lock.New(cfg.Locks.Dir, cfg.Locks.UpdateName),
		logger,
		bootstrap.Config{
			ManifestURL:  selfManifest,
			ShadowPrefix: cfg.SelfUpdate.ShadowPrefix,
			LockTimeout:  cfg.Locks.Timeout,
			Args:         os.Args[1:],
		})

	outcome, err := b.Run(ctx)
	if err != nil {
		return &exitError{code: outcome.ExitCode, err: err}
	}
	if !outcome.Continue {
		return &exitError{code: outcome.ExitCode}
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("failed to release instance lock", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Install.ManifestURL != "" {
		if _, err := a.patchInstall(ctx); err != nil {
			return err
		}
	}

	if cfg.Install.LaunchCommand == "" {
		return nil
	}

	prog, progArgs := launch.SplitCommand(cfg.Install.LaunchCommand)
	if !filepath.IsAbs(prog) {
		prog = filepath.Join(cfg.Install.Root, prog)
	}
	logger.Info("starting application", "program", prog)
	if err := newLauncher(cfg.Install.Root).Launch(ctx, prog, progArgs); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
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
	if listenAddr != "" {
		cfg.Serve.ListenAddr = listenAddr
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := control.NewServer(cfg, a.engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}

	ln, err := activation.Listen(cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	return srv.Start(ctx, ln)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.WriteDefault(path, forceInit); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
