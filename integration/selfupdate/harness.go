//go:build integration

package selfupdate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/patchkit/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds patchkit binaries and runs them as separate processes
type Harness struct {
	t           *testing.T
	projectRoot string
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	root, err := testutil.ModuleRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}
	return &Harness{t: t, projectRoot: root}
}

// Build compiles cmd/patchkit into out, stamping version into the binary
func (h *Harness) Build(ctx context.Context, out, version string) error {
	h.t.Helper()
	h.t.Logf("Building patchkit %s into %s", version, out)

	cmd := exec.CommandContext(ctx,
		"go", "build",
		"-ldflags", "-X main.version="+version,
		"-o", out,
		"./cmd/patchkit",
	)
	cmd.Dir = h.projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Run executes bin and returns its output and exit code
func (h *Harness) Run(ctx context.Context, bin string, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes bin and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, bin string, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, bin, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\ncmd: %s %v",
			exitCode, stdout, stderr, bin, args)
	}
	return stdout
}

// WaitFor polls cond until it holds or timeout elapses
func (h *Harness) WaitFor(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return cond()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
