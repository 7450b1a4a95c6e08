package update

import (
	"context"
	"errors"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/patchkit/internal/digest"
	"github.com/schaermu/patchkit/internal/fetch"
	"github.com/schaermu/patchkit/internal/hashcache"
	"github.com/schaermu/patchkit/internal/manifest"
	"github.com/schaermu/patchkit/internal/testutil"
)

const manifestName = "live.xml"

// publishTree serves files over HTTP with a manifest describing them and
// returns the server and manifest URL
func publishTree(t *testing.T, files map[string]string) (*testutil.FileServer, string) {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteTree(t, dir, files)
	srv := testutil.NewFileServer(t, dir)

	m, err := manifest.BuildFromDirectory(dir, srv.URL, digest.MD5)
	require.NoError(t, err)
	for _, e := range m.Entries {
		e.RemoteURL = fetch.JoinURL(srv.URL, e.RemoteFileName)
	}
	require.NoError(t, m.Save(filepath.Join(dir, manifestName)))

	return srv, srv.URL + "/" + manifestName
}

// scenarioFiles are three entries of 10, 20 and 30 bytes
func scenarioFiles() map[string]string {
	return map[string]string{
		"a.bin":     strings.Repeat("a", 10),
		"b/b.bin":   strings.Repeat("b", 20),
		"c/d/c.bin": strings.Repeat("c", 30),
	}
}

type recorder struct {
	mu     sync.Mutex
	values []int
}

func (r *recorder) record(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, p)
}

func (r *recorder) get() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}

func newEngine(t *testing.T, f fetch.Fetcher) (*Engine, *hashcache.Cache) {
	t.Helper()
	cache := hashcache.New(hashcache.NewFileStore(filepath.Join(t.TempDir(), "cache.json")), testutil.Logger())
	return NewEngine(f, cache, testutil.Logger()), cache
}

func TestScenarioA_FreshTree(t *testing.T) {
	srv, url := publishTree(t, scenarioFiles())
	root := t.TempDir()
	eng, _ := newEngine(t, fetch.NewRouter())

	m, err := eng.Check(context.Background(), root, url)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.NeedsUpdate)
	assert.Equal(t, Completed, eng.CheckStatus())

	rec := &recorder{}
	require.NoError(t, eng.Apply(context.Background(), m, rec.record))
	assert.Equal(t, Completed, eng.ApplyStatus())

	for name, content := range scenarioFiles() {
		assert.Equal(t, content, testutil.ReadFile(t, filepath.Join(root, filepath.FromSlash(name))))
		assert.Equal(t, 1, srv.Requests(name), "downloaded %s once", name)
	}

	// 10/60, 30/60, 60/60
	assert.Equal(t, []int{16, 50, 100}, rec.get())
}

func TestScenarioB_SynchronizedTree(t *testing.T) {
	files := scenarioFiles()
	srv, url := publishTree(t, files)
	root := t.TempDir()
	testutil.WriteTree(t, root, files)
	eng, _ := newEngine(t, fetch.NewRouter())

	m, err := eng.Check(context.Background(), root, url)
	require.NoError(t, err)
	assert.False(t, m.NeedsUpdate)

	rec := &recorder{}
	require.NoError(t, eng.Apply(context.Background(), m, rec.record))
	assert.Equal(t, 0, srv.TotalRequests(manifestName), "no file downloads")
	assert.Equal(t, []int{16, 50, 100}, rec.get(), "progress counts scanned bytes, not transferred bytes")
}

func TestCheck_Idempotent(t *testing.T) {
	files := scenarioFiles()
	_, url := publishTree(t, files)
	root := t.TempDir()
	testutil.WriteTree(t, root, files)
	eng, cache := newEngine(t, fetch.NewRouter())

	m, err := eng.Check(context.Background(), root, url)
	require.NoError(t, err)
	assert.False(t, m.NeedsUpdate)
	assert.Equal(t, int64(3), cache.Stats().Misses)

	cache.ResetStats()
	m, err = eng.Check(context.Background(), root, url)
	require.NoError(t, err)
	assert.False(t, m.NeedsUpdate)
	assert.Equal(t, hashcache.Stats{Hits: 3, Misses: 0}, cache.Stats())
}

func TestCheck_CachePersistsAcrossEngines(t *testing.T) {
	files := scenarioFiles()
	_, url := publishTree(t, files)
	root := t.TempDir()
	testutil.WriteTree(t, root, files)
	storePath := filepath.Join(t.TempDir(), "cache.json")

	first := NewEngine(fetch.NewRouter(), hashcache.New(hashcache.NewFileStore(storePath), testutil.Logger()), testutil.Logger())
	_, err := first.Check(context.Background(), root, url)
	require.NoError(t, err)

	cache := hashcache.New(hashcache.NewFileStore(storePath), testutil.Logger())
	second := NewEngine(fetch.NewRouter(), cache, testutil.Logger())
	m, err := second.Check(context.Background(), root, url)
	require.NoError(t, err)
	assert.False(t, m.NeedsUpdate)
	assert.Equal(t, int64(0), cache.Stats().Misses)
}

func TestCheck_StopsAtFirstDivergence(t *testing.T) {
	files := scenarioFiles()
	_, url := publishTree(t, files)
	root := t.TempDir()
	// a.bin (first in order) missing, the rest present and current
	testutil.WriteTree(t, root, map[string]string{
		"b/b.bin":   files["b/b.bin"],
		"c/d/c.bin": files["c/d/c.bin"],
	})
	eng, cache := newEngine(t, fetch.NewRouter())

	m, err := eng.Check(context.Background(), root, url)
	require.NoError(t, err)
	assert.True(t, m.NeedsUpdate)
	assert.Equal(t, hashcache.Stats{}, cache.Stats(), "entries after the first divergence were not evaluated")
}

func TestCheck_SizeMismatchSkipsHashing(t *testing.T) {
	files := scenarioFiles()
	_, url := publishTree(t, files)
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"a.bin": "short"})
	eng, cache := newEngine(t, fetch.NewRouter())

	m, err := eng.Check(context.Background(), root, url)
	require.NoError(t, err)
	assert.True(t, m.NeedsUpdate)
	assert.Equal(t, int64(0), cache.Stats().Misses)
}

func TestCheck_Failures(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"bad.xml": "<Manifest><FileList>"})
	eng, _ := newEngine(t, fetch.NewRouter())

	_, err := eng.Check(context.Background(), t.TempDir(), filepath.Join(dir, "bad.xml"))
	assert.ErrorIs(t, err, manifest.ErrMalformed)
	assert.Equal(t, Failed, eng.CheckStatus())

	_, err = eng.Check(context.Background(), t.TempDir(), filepath.Join(dir, "missing.xml"))
	assert.ErrorIs(t, err, fetch.ErrFetch)
}

func TestCheck_CancelledReturnsNoManifest(t *testing.T) {
	_, url := publishTree(t, scenarioFiles())
	eng, _ := newEngine(t, fetch.NewRouter())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, err := eng.Check(ctx, t.TempDir(), url)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Cancelled, eng.CheckStatus())
}

// cancelOnFetch cancels the workflow while the manifest is being fetched and
// still delivers the document
type cancelOnFetch struct {
	inner  fetch.Fetcher
	cancel context.CancelFunc
}

func (c *cancelOnFetch) Fetch(_ context.Context, source string) (io.ReadCloser, error) {
	c.cancel()
	return c.inner.Fetch(context.Background(), source)
}

func TestCheck_CancelDuringPassReturnsNoManifest(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{name: "empty manifest", files: map[string]string{}},
		{name: "populated manifest", files: scenarioFiles()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, url := publishTree(t, tc.files)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			eng, _ := newEngine(t, &cancelOnFetch{inner: fetch.NewRouter(), cancel: cancel})

			m, err := eng.Check(ctx, t.TempDir(), url)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, ErrCancelled)
			assert.Equal(t, Cancelled, eng.CheckStatus())
		})
	}
}

func TestApply_AbortsOnFirstError(t *testing.T) {
	srv, url := publishTree(t, scenarioFiles())
	root := t.TempDir()
	eng, _ := newEngine(t, fetch.NewRouter())

	m, err := eng.Check(context.Background(), root, url)
	require.NoError(t, err)

	// Break the second entry
	require.NoError(t, os.Remove(filepath.Join(srv.Dir, "b", "b.bin")))

	rec := &recorder{}
	err = eng.Apply(context.Background(), m, rec.record)
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrFetch)
	assert.Equal(t, Failed, eng.ApplyStatus())

	assert.FileExists(t, filepath.Join(root, "a.bin"))
	assert.NoFileExists(t, filepath.Join(root, "c", "d", "c.bin"), "remaining entries are not processed")
	assert.Equal(t, 0, srv.Requests("c/d/c.bin"))
	assert.Equal(t, []int{16}, rec.get())
}

func TestApply_EmptyTotalReportsHundred(t *testing.T) {
	_, url := publishTree(t, map[string]string{"empty.txt": "", "also/empty.txt": ""})
	root := t.TempDir()
	eng, _ := newEngine(t, fetch.NewRouter())

	m, err := eng.Check(context.Background(), root, url)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, eng.Apply(context.Background(), m, rec.record))
	assert.Equal(t, []int{100}, rec.get())
	assert.FileExists(t, filepath.Join(root, "also", "empty.txt"))
}

func TestApply_ProgressMonotonic(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 40; i++ {
		files[filepath.ToSlash(filepath.Join("d", string(rune('a'+i%26)), strings.Repeat("x", i+1)+".bin"))] = strings.Repeat("z", (i*37)%101+1)
	}
	_, url := publishTree(t, files)
	eng, _ := newEngine(t, fetch.NewRouter())

	m, err := eng.Check(context.Background(), t.TempDir(), url)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, eng.Apply(context.Background(), m, rec.record))

	got := rec.get()
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1], "percentages strictly increase")
	}
	assert.Equal(t, 100, got[len(got)-1])
}

func TestApply_NilManifest(t *testing.T) {
	eng, _ := newEngine(t, fetch.NewRouter())
	assert.Error(t, eng.Apply(context.Background(), nil, nil))
	assert.Equal(t, Failed, eng.ApplyStatus())
}

// gatedFetcher blocks the first fetch of a matching source until released
type gatedFetcher struct {
	inner   fetch.Fetcher
	match   string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedFetcher(match string) *gatedFetcher {
	return &gatedFetcher{
		inner:   fetch.NewRouter(),
		match:   match,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedFetcher) Fetch(ctx context.Context, source string) (io.ReadCloser, error) {
	if strings.HasSuffix(source, g.match) {
		gated := false
		g.once.Do(func() { gated = true })
		if gated {
			close(g.started)
			<-g.release
		}
	}
	return g.inner.Fetch(ctx, source)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestApply_CancellationBoundary(t *testing.T) {
	files := scenarioFiles()
	_, url := publishTree(t, files)
	root := t.TempDir()
	gate := newGatedFetcher("/a.bin")
	eng, _ := newEngine(t, gate)

	m, err := eng.Check(context.Background(), root, url)
	require.NoError(t, err)

	job, err := eng.StartApply(context.Background(), m, nil)
	require.NoError(t, err)
	assert.Equal(t, Running, eng.ApplyStatus())

	waitFor(t, gate.started)
	job.Cancel()
	close(gate.release)

	waitFor(t, job.Done())
	res := job.Wait()
	assert.Equal(t, Cancelled, res.Status)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Equal(t, Cancelled, eng.ApplyStatus())

	// The in-flight entry completed atomically, nothing after it was touched
	assert.Equal(t, files["a.bin"], testutil.ReadFile(t, filepath.Join(root, "a.bin")))
	assert.NoFileExists(t, filepath.Join(root, "b", "b.bin"))
	assert.NoFileExists(t, filepath.Join(root, "c", "d", "c.bin"))
}

func TestStartApply_CancelViaContextFromProgress(t *testing.T) {
	_, url := publishTree(t, scenarioFiles())
	root := t.TempDir()
	eng, _ := newEngine(t, fetch.NewRouter())

	m, err := eng.Check(context.Background(), root, url)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	job, err := eng.StartApply(ctx, m, func(p int) {
		rec.record(p)
		cancel()
	})
	require.NoError(t, err)

	res := job.Wait()
	assert.Equal(t, Cancelled, res.Status)
	assert.Equal(t, []int{16}, rec.get())
}

func TestStartCheck_SingleFlight(t *testing.T) {
	_, url := publishTree(t, scenarioFiles())
	gate := newGatedFetcher("/" + manifestName)
	eng, _ := newEngine(t, gate)
	root := t.TempDir()

	job, err := eng.StartCheck(context.Background(), root, url)
	require.NoError(t, err)
	waitFor(t, gate.started)

	_, err = eng.StartCheck(context.Background(), root, url)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = eng.Check(context.Background(), root, url)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	assert.Equal(t, Running, eng.CheckStatus())

	// The apply slot is independent of the check slot
	applyJob, err := eng.StartApply(context.Background(), &manifest.Manifest{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Completed, applyJob.Wait().Status)

	close(gate.release)
	res := job.Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, Completed, res.Status)
	assert.True(t, res.Manifest.NeedsUpdate)

	// Slot is free again once the result is delivered
	again, err := eng.StartCheck(context.Background(), root, url)
	require.NoError(t, err)
	assert.Equal(t, Completed, again.Wait().Status)
}

func TestStartCheck_FailureDeliveredAsResult(t *testing.T) {
	eng, _ := newEngine(t, fetch.NewRouter())

	job, err := eng.StartCheck(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "missing.xml"))
	require.NoError(t, err)

	res := job.Wait()
	assert.Equal(t, Failed, res.Status)
	assert.Nil(t, res.Manifest)
	assert.True(t, errors.Is(res.Err, fetch.ErrFetch))
}

func TestCancelCheck(t *testing.T) {
	_, url := publishTree(t, scenarioFiles())
	gate := newGatedFetcher("/" + manifestName)
	eng, _ := newEngine(t, gate)

	assert.False(t, eng.CancelCheck(), "nothing running")

	job, err := eng.StartCheck(context.Background(), t.TempDir(), url)
	require.NoError(t, err)
	waitFor(t, gate.started)

	assert.True(t, eng.CancelCheck())
	close(gate.release)

	res := job.Wait()
	assert.Equal(t, Cancelled, res.Status)
	assert.Nil(t, res.Manifest)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		part, total int64
		want        int
	}{
		{0, 100, 0},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 100},
		{5, 0, 0},
		{1 << 62, 1<<62 + 1, 99},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, percent(big.NewInt(tc.part), big.NewInt(tc.total)))
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	text, err := Failed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(text))
}

func TestStatusUnmarshalText(t *testing.T) {
	var s Status
	require.NoError(t, s.UnmarshalText([]byte("completed")))
	assert.Equal(t, Completed, s)
	assert.Error(t, s.UnmarshalText([]byte("paused")))
}
