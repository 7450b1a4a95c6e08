package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/patchkit/internal/config"
	"github.com/schaermu/patchkit/internal/digest"
	"github.com/schaermu/patchkit/internal/fetch"
	"github.com/schaermu/patchkit/internal/hashcache"
	"github.com/schaermu/patchkit/internal/manifest"
	"github.com/schaermu/patchkit/internal/testutil"
	"github.com/schaermu/patchkit/internal/update"
)

// publishLocal writes files and a manifest describing them and returns the
// manifest path
func publishLocal(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteTree(t, dir, files)

	m, err := manifest.BuildFromDirectory(dir, dir, digest.MD5)
	require.NoError(t, err)
	for _, e := range m.Entries {
		e.RemoteURL = fetch.JoinURL(dir, e.RemoteFileName)
	}
	path := filepath.Join(t.TempDir(), "live.xml")
	require.NoError(t, m.Save(path))
	return path
}

func testConfig(t *testing.T, manifestURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Install.Root = t.TempDir()
	cfg.Install.ManifestURL = manifestURL
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, engine Engine) *httptest.Server {
	t.Helper()
	s, err := NewServer(cfg, engine, testutil.Logger())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func realEngine() *update.Engine {
	return update.NewEngine(fetch.NewRouter(), hashcache.New(nil, testutil.Logger()), testutil.Logger())
}

type sseReader struct {
	scanner *bufio.Scanner
}

// openEvents connects to /events and waits for the stream to be established
func openEvents(t *testing.T, srv *httptest.Server, header http.Header) *sseReader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := &sseReader{scanner: bufio.NewScanner(resp.Body)}
	require.True(t, r.scanner.Scan())
	require.Equal(t, ": connected", r.scanner.Text())
	return r
}

// next returns the name and data line of the next event
func (r *sseReader) next(t *testing.T) (string, string) {
	t.Helper()
	var name, data string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
	t.Fatalf("event stream ended: %v", r.scanner.Err())
	return "", ""
}

// until skips events until one named name arrives
func (r *sseReader) until(t *testing.T, name string) string {
	t.Helper()
	for {
		got, data := r.next(t)
		if got == name {
			return data
		}
	}
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getStatus(t *testing.T, srv *httptest.Server) StatusResponse {
	t.Helper()
	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func TestServer_CheckThenApply(t *testing.T) {
	files := map[string]string{"a.bin": "aaaa", "dir/b.bin": "bbbbbbbb"}
	cfg := testConfig(t, publishLocal(t, files))
	srv := newTestServer(t, cfg, realEngine())
	events := openEvents(t, srv, nil)

	st := getStatus(t, srv)
	assert.Equal(t, update.Idle, st.Check)
	assert.Nil(t, st.NeedsUpdate)

	assert.Equal(t, http.StatusPreconditionFailed, post(t, srv.URL+"/apply").StatusCode, "apply needs a completed check")

	require.Equal(t, http.StatusAccepted, post(t, srv.URL+"/check").StatusCode)
	var checked CompletedEvent
	require.NoError(t, json.Unmarshal([]byte(events.until(t, EventCheckCompleted)), &checked))
	assert.Equal(t, update.Completed, checked.Status)
	require.NotNil(t, checked.NeedsUpdate)
	assert.True(t, *checked.NeedsUpdate)

	require.Equal(t, http.StatusAccepted, post(t, srv.URL+"/apply").StatusCode)

	var last ProgressEvent
	for {
		name, data := events.next(t)
		if name == EventApplyProgress {
			require.NoError(t, json.Unmarshal([]byte(data), &last))
			continue
		}
		require.Equal(t, EventApplyCompleted, name)
		var done CompletedEvent
		require.NoError(t, json.Unmarshal([]byte(data), &done))
		assert.Equal(t, update.Completed, done.Status)
		break
	}
	assert.Equal(t, 100, last.Percent)

	for name, content := range files {
		assert.Equal(t, content, testutil.ReadFile(t, filepath.Join(cfg.Install.Root, filepath.FromSlash(name))))
	}

	st = getStatus(t, srv)
	assert.Equal(t, update.Completed, st.Check)
	assert.Equal(t, update.Completed, st.Apply)
	assert.Equal(t, 100, st.Progress)
	require.NotNil(t, st.NeedsUpdate)
	assert.False(t, *st.NeedsUpdate)

	assert.Equal(t, http.StatusPreconditionFailed, post(t, srv.URL+"/apply").StatusCode, "an applied manifest must be re-checked")
}

func TestServer_CheckFailureIsReported(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.xml"))
	srv := newTestServer(t, cfg, realEngine())
	events := openEvents(t, srv, nil)

	require.Equal(t, http.StatusAccepted, post(t, srv.URL+"/check").StatusCode)

	var ev CompletedEvent
	require.NoError(t, json.Unmarshal([]byte(events.until(t, EventCheckCompleted)), &ev))
	assert.Equal(t, update.Failed, ev.Status)
	assert.NotEmpty(t, ev.Error)
	assert.Nil(t, ev.NeedsUpdate)

	st := getStatus(t, srv)
	assert.Equal(t, update.Failed, st.Check)
	assert.NotEmpty(t, st.LastError)
}

// busyEngine refuses every start as if a workflow were in flight
type busyEngine struct {
	cancelledCheck bool
	cancelledApply bool
}

func (b *busyEngine) StartCheck(context.Context, string, string) (*update.Job[update.CheckResult], error) {
	return nil, update.ErrAlreadyRunning
}

func (b *busyEngine) StartApply(context.Context, *manifest.Manifest, update.ProgressFunc) (*update.Job[update.ApplyResult], error) {
	return nil, update.ErrAlreadyRunning
}

func (b *busyEngine) CheckStatus() update.Status { return update.Running }
func (b *busyEngine) ApplyStatus() update.Status { return update.Idle }

func (b *busyEngine) CancelCheck() bool {
	b.cancelledCheck = true
	return true
}

func (b *busyEngine) CancelApply() bool {
	b.cancelledApply = true
	return false
}

func TestServer_BusyCheckConflicts(t *testing.T) {
	srv := newTestServer(t, testConfig(t, "https://cdn.example.com/live.xml"), &busyEngine{})

	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/check").StatusCode)
	assert.Equal(t, update.Running, getStatus(t, srv).Check)
}

func TestServer_Cancel(t *testing.T) {
	tests := []struct {
		query     string
		wantCode  int
		wantCheck bool
		wantApply bool
		want      map[string]bool
	}{
		{query: "", wantCode: http.StatusOK, wantCheck: true, wantApply: true, want: map[string]bool{"check": true, "apply": false}},
		{query: "?workflow=check", wantCode: http.StatusOK, wantCheck: true, want: map[string]bool{"check": true}},
		{query: "?workflow=apply", wantCode: http.StatusOK, wantApply: true, want: map[string]bool{"apply": false}},
		{query: "?workflow=publish", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			eng := &busyEngine{}
			srv := newTestServer(t, testConfig(t, "https://cdn.example.com/live.xml"), eng)

			resp := post(t, srv.URL+"/cancel"+tt.query)
			require.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantCheck, eng.cancelledCheck)
			assert.Equal(t, tt.wantApply, eng.cancelledApply)

			if tt.want != nil {
				var got map[string]bool
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestServer_Authentication(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("secret-token\n"), 0600))

	cfg := testConfig(t, "https://cdn.example.com/live.xml")
	cfg.Serve.TokenFile = tokenFile
	srv := newTestServer(t, cfg, &busyEngine{})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic secret-token", want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer secret-token", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, testConfig(t, "https://cdn.example.com/live.xml"), &busyEngine{})

	resp, err := http.Get(srv.URL + "/check")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestNewServer_Validation(t *testing.T) {
	cfg := config.Default()
	_, err := NewServer(cfg, &busyEngine{}, testutil.Logger())
	assert.Error(t, err, "install section is required")

	cfg = testConfig(t, "https://cdn.example.com/live.xml")
	cfg.Serve.TokenFile = filepath.Join(t.TempDir(), "absent")
	_, err = NewServer(cfg, &busyEngine{}, testutil.Logger())
	assert.Error(t, err, "unreadable token file")
}

func TestServer_StartStopsWithContext(t *testing.T) {
	s, err := NewServer(testConfig(t, "https://cdn.example.com/live.xml"), &busyEngine{}, testutil.Logger())
	require.NoError(t, err)

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/status")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestBroker_DropsForSlowSubscribers(t *testing.T) {
	b := newBroker()
	ch := b.subscribe()
	defer b.unsubscribe(ch)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.publish(Event{Name: EventApplyProgress, Data: ProgressEvent{Percent: i}})
	}
	assert.Len(t, ch, subscriberBuffer)

	b.unsubscribe(ch)
	b.publish(Event{Name: EventApplyCompleted})
	assert.Len(t, ch, subscriberBuffer, "unsubscribed channels receive nothing")
}
