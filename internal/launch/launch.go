// Package launch starts detached child processes for the self-update hand-off
// and for the post-patch application launch.
package launch

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Launcher starts a program and returns without waiting for it
type Launcher interface {
	Launch(ctx context.Context, path string, args []string) error
}

// ExecLauncher implements Launcher with os/exec. The child inherits the
// current environment and standard streams and outlives the caller.
type ExecLauncher struct {
	Dir    string   // working directory, empty for the current one
	Env    []string // extra KEY=VALUE pairs appended to the environment
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecLauncher creates a launcher wired to the process's standard streams
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Launch starts path with args. The context only guards the start itself;
// the child is not killed when ctx ends because the caller is about to exit.
func (l *ExecLauncher) Launch(ctx context.Context, path string, args []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdin = l.Stdin
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", path, err)
	}

	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to release %s: %w", path, err)
	}
	return nil
}

// SplitCommand splits a configured command line on whitespace into the
// program and its arguments
func SplitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
