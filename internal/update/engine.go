// Package update orchestrates check and apply passes of a manifest over a
// local file tree.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/schaermu/patchkit/internal/fetch"
	"github.com/schaermu/patchkit/internal/hashcache"
	"github.com/schaermu/patchkit/internal/manifest"
)

// ProgressFunc receives apply progress as a whole percentage
type ProgressFunc func(percent int)

// CheckResult is the outcome of an asynchronous check
type CheckResult struct {
	Status   Status
	Manifest *manifest.Manifest // nil unless Status is Completed
	Err      error
}

// ApplyResult is the outcome of an asynchronous apply
type ApplyResult struct {
	Status Status
	Err    error
}

// Engine runs check and apply workflows. Each kind has its own single-flight
// slot; the two kinds are independent.
type Engine struct {
	fetcher fetch.Fetcher
	cache   *hashcache.Cache
	logger  *slog.Logger

	check slot
	apply slot
}

// NewEngine creates an engine. cache may be nil to disable digest caching.
func NewEngine(fetcher fetch.Fetcher, cache *hashcache.Cache, logger *slog.Logger) *Engine {
	return &Engine{
		fetcher: fetcher,
		cache:   cache,
		logger:  logger,
	}
}

// CheckStatus returns the state of the check slot
func (e *Engine) CheckStatus() Status { return e.check.Status() }

// ApplyStatus returns the state of the apply slot
func (e *Engine) ApplyStatus() Status { return e.apply.Status() }

// CancelCheck cancels a running check and reports whether one was running
func (e *Engine) CancelCheck() bool { return e.check.Cancel() }

// CancelApply cancels a running apply and reports whether one was running
func (e *Engine) CancelApply() bool { return e.apply.Cancel() }

// Check loads the manifest at source, binds it to root and reports whether
// any entry diverges. The scan stops at the first divergent entry. A
// cancelled check returns ErrCancelled and no manifest.
func (e *Engine) Check(ctx context.Context, root, source string) (*manifest.Manifest, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.check.begin(cancel); err != nil {
		return nil, err
	}

	m, err := e.runCheck(ctx, root, source)
	e.check.end(statusOf(err))
	return m, err
}

// StartCheck runs Check in the background
func (e *Engine) StartCheck(ctx context.Context, root, source string) (*Job[CheckResult], error) {
	ctx, cancel := context.WithCancel(ctx)
	if err := e.check.begin(cancel); err != nil {
		cancel()
		return nil, err
	}

	job := newJob[CheckResult](cancel)
	go func() {
		defer cancel()

		m, err := e.runCheck(ctx, root, source)
		status := statusOf(err)
		e.check.end(status)
		job.finish(CheckResult{Status: status, Manifest: m, Err: err})
	}()

	return job, nil
}

// Apply converges the tree a checked manifest is bound to. Every entry is
// re-checked and only divergent ones are downloaded. The first failure aborts
// the remaining entries.
func (e *Engine) Apply(ctx context.Context, m *manifest.Manifest, progress ProgressFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.apply.begin(cancel); err != nil {
		return err
	}

	err := e.runApply(ctx, m, progress)
	e.apply.end(statusOf(err))
	return err
}

// StartApply runs Apply in the background
func (e *Engine) StartApply(ctx context.Context, m *manifest.Manifest, progress ProgressFunc) (*Job[ApplyResult], error) {
	ctx, cancel := context.WithCancel(ctx)
	if err := e.apply.begin(cancel); err != nil {
		cancel()
		return nil, err
	}

	job := newJob[ApplyResult](cancel)
	go func() {
		defer cancel()

		err := e.runApply(ctx, m, progress)
		status := statusOf(err)
		e.apply.end(status)
		job.finish(ApplyResult{Status: status, Err: err})
	}()

	return job, nil
}

func (e *Engine) runCheck(ctx context.Context, root, source string) (*manifest.Manifest, error) {
	e.logger.Info("checking for updates", "root", root, "manifest", source)

	m, err := manifest.Load(ctx, e.fetcher, source)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	m.Bind(root, manifest.Deps{Cache: e.cache, Fetcher: e.fetcher, Logger: e.logger})
	e.loadCache()
	defer e.saveCache()

	needsUpdate := false
	for _, entry := range m.Entries {
		if ctx.Err() != nil {
			e.logger.Info("update check cancelled")
			return nil, ErrCancelled
		}

		needs, err := entry.CheckUpdate()
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", entry.RemoteFileName, err)
		}
		if needs {
			e.logger.Info("found file that needs updating", "path", entry.LocalFilePath)
			needsUpdate = true
			break
		}
	}

	// A cancel that lands during the last entry still discards the answer
	if ctx.Err() != nil {
		e.logger.Info("update check cancelled")
		return nil, ErrCancelled
	}

	m.NeedsUpdate = needsUpdate
	e.logger.Info("update check completed", "needs_update", needsUpdate, "entries", len(m.Entries))
	return m, nil
}

func (e *Engine) runApply(ctx context.Context, m *manifest.Manifest, progress ProgressFunc) error {
	if m == nil {
		return errors.New("no manifest to apply")
	}
	if progress == nil {
		progress = func(int) {}
	}

	e.loadCache()
	defer e.saveCache()

	total := new(big.Int)
	for _, entry := range m.Entries {
		total.Add(total, big.NewInt(entry.RemoteSize))
	}

	e.logger.Info("applying update", "entries", len(m.Entries), "total_bytes", total.String())

	// An in-flight entry always completes, cancellation is honored between entries
	transferCtx := context.WithoutCancel(ctx)

	scanned := new(big.Int)
	lastPercent := 0
	updated := 0
	for _, entry := range m.Entries {
		if ctx.Err() != nil {
			e.logger.Info("apply cancelled", "updated", updated)
			return ErrCancelled
		}

		needs, err := entry.CheckUpdate()
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", entry.RemoteFileName, err)
		}
		if needs {
			if err := entry.ApplyUpdate(transferCtx); err != nil {
				return fmt.Errorf("failed to update %s: %w", entry.RemoteFileName, err)
			}
			updated++
		}

		scanned.Add(scanned, big.NewInt(entry.RemoteSize))
		if p := percent(scanned, total); p > lastPercent {
			lastPercent = p
			progress(p)
		}
	}

	if lastPercent < 100 {
		progress(100)
	}

	e.logger.Info("apply completed", "updated", updated, "entries", len(m.Entries))
	return nil
}

// percent returns floor(part*100/total), or 0 for an empty total
func percent(part, total *big.Int) int {
	if total.Sign() == 0 {
		return 0
	}
	p := new(big.Int).Mul(part, big.NewInt(100))
	p.Quo(p, total)
	return int(p.Int64())
}

func (e *Engine) loadCache() {
	if e.cache == nil {
		return
	}
	if err := e.cache.Load(); err != nil {
		e.logger.Warn("failed to load hash cache (all files will be rehashed)", "error", err)
	}
}

func (e *Engine) saveCache() {
	if e.cache == nil {
		return
	}
	if err := e.cache.Save(); err != nil {
		e.logger.Warn("failed to save hash cache", "error", err)
	}
}
