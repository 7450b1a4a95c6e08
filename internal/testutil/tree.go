package testutil

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// Logger returns a logger that only reports errors, keeping test output quiet
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// WriteTree creates files under root from a map of slash-separated relative
// names to contents
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("failed to create dir for %s: %v", name, err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
}

// ReadFile returns the content of a file or fails the test
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

// FileServer serves a directory over HTTP and counts requests per path
type FileServer struct {
	*httptest.Server
	Dir string

	mu       sync.Mutex
	requests map[string]int
}

// NewFileServer starts a server for dir that is closed when the test ends
func NewFileServer(t *testing.T, dir string) *FileServer {
	t.Helper()
	fs := &FileServer{Dir: dir, requests: make(map[string]int)}
	files := http.FileServer(http.Dir(dir))
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.requests[strings.TrimPrefix(r.URL.Path, "/")]++
		fs.mu.Unlock()
		files.ServeHTTP(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

// Requests returns how often name was requested
func (fs *FileServer) Requests(name string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[name]
}

// TotalRequests returns the number of requests served, excluding names in skip
func (fs *FileServer) TotalRequests(skip ...string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	total := 0
	for name, n := range fs.requests {
		skipped := false
		for _, s := range skip {
			if name == s {
				skipped = true
				break
			}
		}
		if !skipped {
			total += n
		}
	}
	return total
}
