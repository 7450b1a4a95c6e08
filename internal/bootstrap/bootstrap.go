// Package bootstrap implements self-replacement of the running executable.
//
// A running binary cannot safely overwrite itself, so the real executable
// copies itself to a "shadow" path (same directory, reserved name prefix),
// starts the shadow and exits. The shadow, which is not the file being
// replaced, applies the update onto the real path, starts the updated real
// executable and exits in turn.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/patchkit/internal/fsutil"
	"github.com/schaermu/patchkit/internal/launch"
	"github.com/schaermu/patchkit/internal/lock"
	"github.com/schaermu/patchkit/internal/manifest"
	"github.com/schaermu/patchkit/internal/update"
)

// Process exit codes of the hand-off
const (
	ExitOK             = 0
	ExitAlreadyRunning = 1
	ExitHandedOff      = 2 // real executable started the shadow
	ExitRelaunched     = 3 // shadow applied the update and started the real executable
	ExitShadowFailed   = 4
)

// DefaultShadowPrefix marks the shadow copy of an executable
const DefaultShadowPrefix = "_"

// Test seams
var (
	osExecutable = os.Executable
	evalSymlinks = filepath.EvalSymlinks
)

// Engine is the part of update.Engine the bootstrap drives
type Engine interface {
	Check(ctx context.Context, root, source string) (*manifest.Manifest, error)
	Apply(ctx context.Context, m *manifest.Manifest, progress update.ProgressFunc) error
}

// Locker is a named system-wide lock
type Locker interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release() error
}

// Config controls one bootstrap run
type Config struct {
	// ManifestURL describes the executable's own install directory. Empty
	// disables self-update for the real executable.
	ManifestURL string
	// ShadowPrefix is prepended to the executable name to form the shadow path
	ShadowPrefix string
	// LockTimeout bounds waiting for either lock
	LockTimeout time.Duration
	// Args are passed to the process started by the hand-off
	Args []string
}

// Outcome tells the caller how to proceed. When Continue is false the caller
// must exit with ExitCode.
type Outcome struct {
	ExitCode int
	Continue bool
}

// Option configures a Bootstrapper during construction
type Option func(*Bootstrapper)

// WithLauncher overrides how hand-off processes are started
func WithLauncher(l launch.Launcher) Option {
	return func(b *Bootstrapper) {
		b.launcher = l
	}
}

// WithDebug overrides whether divergence is acted upon. Debug builds only log it.
func WithDebug(debug bool) Option {
	return func(b *Bootstrapper) {
		b.debug = debug
	}
}

// Bootstrapper owns the instance and self-update locks for one process
type Bootstrapper struct {
	engine   Engine
	instance Locker
	update   Locker
	launcher launch.Launcher
	logger   *slog.Logger
	cfg      Config
	debug    bool

	shadow bool
}

// New creates a Bootstrapper
func New(engine Engine, instance, updateLock Locker, logger *slog.Logger, cfg Config, opts ...Option) *Bootstrapper {
	if cfg.ShadowPrefix == "" {
		cfg.ShadowPrefix = DefaultShadowPrefix
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = lock.DefaultTimeout
	}

	b := &Bootstrapper{
		engine:   engine,
		instance: instance,
		update:   updateLock,
		launcher: launch.NewExecLauncher(),
		logger:   logger,
		cfg:      cfg,
		debug:    debugBuild,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// IsShadow reports whether this process runs from the shadow copy. It is
// determined once by Run.
func (b *Bootstrapper) IsShadow() bool { return b.shadow }

// Close releases every lock still held since Run
func (b *Bootstrapper) Close() error {
	b.releaseUpdate()
	return b.instance.Release()
}

// Run performs the startup protocol. On Continue the instance lock stays held
// until Close. After a hand-off both locks stay held until the process exits,
// so the started process waits in its own Acquire for this one to go away.
// Lock files are opened close-on-exec and are never inherited.
func (b *Bootstrapper) Run(ctx context.Context) (Outcome, error) {
	if err := b.instance.Acquire(ctx, b.cfg.LockTimeout); err != nil {
		if errors.Is(err, lock.ErrUnavailable) {
			b.logger.Warn("another instance is already running")
			return Outcome{ExitCode: ExitAlreadyRunning}, nil
		}
		return Outcome{ExitCode: ExitAlreadyRunning}, fmt.Errorf("failed to acquire instance lock: %w", err)
	}

	exe, err := executablePath()
	if err != nil {
		b.logger.Warn("cannot locate own executable, skipping self-update", "error", err)
		return Outcome{Continue: true}, nil
	}

	b.shadow = IsShadowPath(exe, b.cfg.ShadowPrefix)
	b.logger.Info("bootstrap", "executable", exe, "shadow", b.shadow)

	if b.shadow {
		return b.runShadow(ctx, exe)
	}
	return b.runReal(ctx, exe)
}

// runReal checks for a self-update and hands off to the shadow copy when one
// is needed. Every failure here is non-fatal.
func (b *Bootstrapper) runReal(ctx context.Context, exe string) (Outcome, error) {
	shadowPath := ShadowPath(exe, b.cfg.ShadowPrefix)
	if err := os.Remove(shadowPath); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("failed to delete stale shadow executable", "path", shadowPath, "error", err)
	}

	if b.cfg.ManifestURL == "" {
		b.logger.Debug("self-update disabled")
		return Outcome{Continue: true}, nil
	}

	if err := b.update.Acquire(ctx, b.cfg.LockTimeout); err != nil {
		b.logger.Warn("self-update lock unavailable, skipping self-update", "error", err)
		return Outcome{Continue: true}, nil
	}

	out := b.handOff(ctx, exe, shadowPath)
	if out.Continue {
		b.releaseUpdate()
	}
	return out, nil
}

// handOff copies the executable to shadowPath and starts it when the install
// directory diverges. Both locks are held on entry.
func (b *Bootstrapper) handOff(ctx context.Context, exe, shadowPath string) Outcome {
	m, err := b.engine.Check(ctx, filepath.Dir(exe), b.cfg.ManifestURL)
	if err != nil {
		b.logger.Warn("self-update check failed, continuing with current version", "error", err)
		return Outcome{Continue: true}
	}

	b.logger.Debug("self-update check", "needs_update", m.NeedsUpdate)
	if !m.NeedsUpdate {
		return Outcome{Continue: true}
	}
	if b.debug {
		b.logger.Warn("self-update needed, but it will not run in a debug build")
		return Outcome{Continue: true}
	}

	b.logger.Info("copying self to shadow path", "executable", exe, "shadow", shadowPath)
	if err := fsutil.CopyFile(exe, shadowPath); err != nil {
		b.logger.Warn("failed to create shadow executable, continuing with current version", "error", err)
		return Outcome{Continue: true}
	}

	if err := b.launcher.Launch(ctx, shadowPath, b.cfg.Args); err != nil {
		b.logger.Warn("failed to start shadow executable, continuing with current version", "error", err)
		_ = os.Remove(shadowPath)
		return Outcome{Continue: true}
	}

	b.logger.Info("handed off to shadow executable")
	return Outcome{ExitCode: ExitHandedOff}
}

// runShadow applies the self-update onto the real executable and starts it.
// The hand-off is already committed, so every failure is fatal. Holding the
// instance lock here means the real process has exited and released its
// executable.
func (b *Bootstrapper) runShadow(ctx context.Context, exe string) (Outcome, error) {
	realPath := RealPath(exe, b.cfg.ShadowPrefix)
	fail := func(err error) (Outcome, error) {
		return Outcome{ExitCode: ExitShadowFailed}, err
	}

	if b.cfg.ManifestURL == "" {
		return fail(errors.New("running as shadow executable without a self-update manifest"))
	}

	if err := b.update.Acquire(ctx, b.cfg.LockTimeout); err != nil {
		return fail(fmt.Errorf("failed to acquire self-update lock: %w", err))
	}

	m, err := b.engine.Check(ctx, filepath.Dir(exe), b.cfg.ManifestURL)
	if err != nil {
		return fail(fmt.Errorf("self-update check failed: %w", err))
	}

	if m.NeedsUpdate {
		b.logger.Info("applying self-update", "target", realPath)
		err := b.engine.Apply(ctx, m, func(p int) {
			b.logger.Info("self-update progress", "percent", p)
		})
		if err != nil {
			return fail(fmt.Errorf("self-update apply failed: %w", err))
		}
	} else {
		b.logger.Info("nothing to apply, relaunching")
	}

	if err := b.launcher.Launch(ctx, realPath, b.cfg.Args); err != nil {
		return fail(fmt.Errorf("failed to relaunch %s: %w", realPath, err))
	}

	b.logger.Info("self-update applied, relaunched", "executable", realPath)
	return Outcome{ExitCode: ExitRelaunched}, nil
}

func (b *Bootstrapper) releaseUpdate() {
	if err := b.update.Release(); err != nil {
		b.logger.Warn("failed to release self-update lock", "error", err)
	}
}

// IsShadowPath reports whether the file name of exe carries prefix
func IsShadowPath(exe, prefix string) bool {
	return strings.HasPrefix(filepath.Base(exe), prefix)
}

// ShadowPath returns the shadow copy path for the real executable exe
func ShadowPath(exe, prefix string) string {
	return filepath.Join(filepath.Dir(exe), prefix+filepath.Base(exe))
}

// RealPath returns the real executable path for the shadow copy shadow
func RealPath(shadow, prefix string) string {
	return filepath.Join(filepath.Dir(shadow), strings.TrimPrefix(filepath.Base(shadow), prefix))
}

func executablePath() (string, error) {
	p, err := osExecutable()
	if err != nil {
		return "", err
	}
	return evalSymlinks(p)
}
