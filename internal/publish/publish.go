// Package publish builds distributable patch sets from a local tree.
package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/patchkit/internal/digest"
	"github.com/schaermu/patchkit/internal/manifest"
)

// BackupDir is the staging subdirectory holding timestamped manifest copies
const BackupDir = "ManifestBackup"

// timestampLayout formats backup manifest names
const timestampLayout = "2006-01-02_15-04-05"

// Options describes one publish run
type Options struct {
	LocalFolder     string // tree to publish
	PatchFolder     string // staging folder, must not lie inside LocalFolder
	Channel         string // manifest name without extension
	DistributionURL string // base URL the staged files will be served from
	Algorithm       digest.Algorithm
	Now             func() time.Time
}

// Result reports what a publish run wrote
type Result struct {
	Manifest     *manifest.Manifest
	ManifestPath string
	BackupPath   string
}

// CreatePatch scans LocalFolder, stages every file under PatchFolder and
// writes <Channel>.xml plus a never-overwritten timestamped backup copy
func CreatePatch(ctx context.Context, opts Options, logger *slog.Logger) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger.Info("building manifest", "root", opts.LocalFolder, "algorithm", opts.Algorithm)
	m, err := manifest.BuildFromDirectory(opts.LocalFolder, opts.DistributionURL, opts.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", opts.LocalFolder, err)
	}

	if err := os.MkdirAll(opts.PatchFolder, 0755); err != nil {
		return nil, &manifest.IOError{Op: "create staging folder", Path: opts.PatchFolder, Err: err}
	}

	for _, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.StageTo(opts.PatchFolder); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", e.RemoteFileName, err)
		}
		logger.Debug("staged file", "name", e.RemoteFileName, "remote_size", e.RemoteSize)
	}

	manifestPath := filepath.Join(opts.PatchFolder, opts.Channel+".xml")
	if err := m.Save(manifestPath); err != nil {
		return nil, err
	}

	backupPath, err := writeBackup(m, filepath.Join(opts.PatchFolder, BackupDir), opts.Channel, opts.Now())
	if err != nil {
		return nil, err
	}

	logger.Info("patch created",
		"channel", opts.Channel,
		"files", len(m.Entries),
		"manifest", manifestPath,
		"backup", backupPath)

	return &Result{Manifest: m, ManifestPath: manifestPath, BackupPath: backupPath}, nil
}

func (o *Options) validate() error {
	if o.LocalFolder == "" {
		return errors.New("local folder is required")
	}
	if o.PatchFolder == "" {
		return errors.New("patch folder is required")
	}
	if o.Channel == "" {
		return errors.New("channel name is required")
	}
	if strings.ContainsAny(o.Channel, `/\`) || o.Channel == "." || o.Channel == ".." {
		return fmt.Errorf("channel name %q must not contain path separators", o.Channel)
	}
	if o.Algorithm == "" {
		o.Algorithm = digest.Default
	}

	info, err := os.Stat(o.LocalFolder)
	if err != nil {
		return &manifest.IOError{Op: "stat", Path: o.LocalFolder, Err: err}
	}
	if !info.IsDir() {
		return fmt.Errorf("local folder %s is not a directory", o.LocalFolder)
	}

	inside, err := within(o.LocalFolder, o.PatchFolder)
	if err != nil {
		return err
	}
	if inside {
		return fmt.Errorf("patch folder %s must not be inside the published tree %s", o.PatchFolder, o.LocalFolder)
	}
	return nil
}

// within reports whether child is root or lies below it
func within(root, child string) (bool, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	absChild, err := filepath.Abs(child)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absRoot, absChild)
	if err != nil {
		return false, nil
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))), nil
}

// writeBackup creates <dir>/<channel>-<timestamp>.xml exclusively. A name
// collision within the same second gets a numeric suffix.
func writeBackup(m *manifest.Manifest, dir, channel string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &manifest.IOError{Op: "create backup folder", Path: dir, Err: err}
	}

	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	base := fmt.Sprintf("%s-%s", channel, now.Format(timestampLayout))
	for n := 0; n < 1000; n++ {
		name := base + ".xml"
		if n > 0 {
			name = fmt.Sprintf("%s-%d.xml", base, n)
		}
		p := filepath.Join(dir, name)

		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", &manifest.IOError{Op: "create backup", Path: p, Err: err}
		}

		if _, err := f.Write(buf.Bytes()); err != nil {
			_ = f.Close()
			_ = os.Remove(p)
			return "", &manifest.IOError{Op: "write backup", Path: p, Err: err}
		}
		if err := f.Close(); err != nil {
			return "", &manifest.IOError{Op: "close backup", Path: p, Err: err}
		}
		return p, nil
	}

	return "", fmt.Errorf("too many manifest backups for %s", base)
}
