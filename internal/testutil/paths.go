package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// ErrNoModule is returned when no go.mod encloses the searched directory
var ErrNoModule = errors.New("no go.mod in any parent directory")

// ModuleRoot returns the directory of the go.mod enclosing this package's
// source. Builds from a moved binary have no source path and fail.
func ModuleRoot() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("source location of testutil is unknown")
	}
	return moduleRootFrom(filepath.Dir(file))
}

// moduleRootFrom walks from dir towards the filesystem root until it finds go.mod
func moduleRootFrom(dir string) (string, error) {
	for {
		if info, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil && !info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoModule
		}
		dir = parent
	}
}
