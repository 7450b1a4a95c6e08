// Package control exposes the update engine over a small HTTP API so a UI
// or script can start, observe and cancel check and apply runs.
package control

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/patchkit/internal/config"
	"github.com/schaermu/patchkit/internal/manifest"
	"github.com/schaermu/patchkit/internal/update"
)

// Engine is the part of update.Engine the server drives
type Engine interface {
	StartCheck(ctx context.Context, root, source string) (*update.Job[update.CheckResult], error)
	StartApply(ctx context.Context, m *manifest.Manifest, progress update.ProgressFunc) (*update.Job[update.ApplyResult], error)
	CheckStatus() update.Status
	ApplyStatus() update.Status
	CancelCheck() bool
	CancelApply() bool
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Check       update.Status `json:"check"`
	Apply       update.Status `json:"apply"`
	NeedsUpdate *bool         `json:"needs_update,omitempty"`
	Progress    int           `json:"progress"`
	LastError   string        `json:"last_error,omitempty"`
}

// CompletedEvent is the payload of check-completed and apply-completed
type CompletedEvent struct {
	Status      update.Status `json:"status"`
	NeedsUpdate *bool         `json:"needs_update,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ProgressEvent is the payload of apply-progress
type ProgressEvent struct {
	Percent int `json:"percent"`
}

// Server implements the control HTTP server
type Server struct {
	engine      Engine
	root        string
	manifestURL string
	token       []byte
	logger      *slog.Logger
	events      *broker

	baseCtx context.Context

	mu          sync.Mutex // guards the fields below
	checked     *manifest.Manifest
	needsUpdate *bool
	progress    int
	lastErr     error
}

// NewServer creates a control server for the install tree in cfg
func NewServer(cfg *config.Config, engine Engine, logger *slog.Logger) (*Server, error) {
	if cfg.Install.Root == "" || cfg.Install.ManifestURL == "" {
		return nil, errors.New("install.root and install.manifest_url are required to serve")
	}

	token, err := cfg.ReadToken()
	if err != nil {
		return nil, err
	}
	if token == "" {
		logger.Warn("control server runs without authentication", "addr", cfg.Serve.ListenAddr)
	}

	return &Server{
		engine:      engine,
		root:        cfg.Install.Root,
		manifestURL: cfg.Install.ManifestURL,
		token:       []byte(token),
		logger:      logger,
		events:      newBroker(),
		baseCtx:     context.Background(),
	}, nil
}

// Handler returns the routed, authenticated handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /check", s.handleCheck)
	mux.HandleFunc("POST /apply", s.handleApply)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	return s.authenticate(mux)
}

// Start serves on ln until ctx is cancelled. Workflows started through the
// API are cancelled with ctx.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	s.baseCtx = ctx

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// /events streams indefinitely
		WriteTimeout:   0,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
		BaseContext:    func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// authenticate requires "Authorization: Bearer <token>" when a token is configured
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.token) > 0 {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			// Constant-time comparison
			if !ok || !hmac.Equal([]byte(got), s.token) {
				s.logger.Warn("rejecting unauthenticated request", "path", r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.StartCheck(s.baseCtx, s.root, s.manifestURL)
	if err != nil {
		s.rejectStart(w, "check", err)
		return
	}

	s.logger.Info("check started", "root", s.root, "manifest", s.manifestURL)
	go s.awaitCheck(job)
	writeJSON(w, http.StatusAccepted, map[string]update.Status{"check": update.Running})
}

func (s *Server) awaitCheck(job *update.Job[update.CheckResult]) {
	res := job.Wait()
	ev := CompletedEvent{Status: res.Status}

	s.mu.Lock()
	switch res.Status {
	case update.Completed:
		needs := res.Manifest.NeedsUpdate
		s.checked = res.Manifest
		s.needsUpdate = &needs
		s.lastErr = nil
		ev.NeedsUpdate = &needs
	case update.Failed:
		s.lastErr = res.Err
		ev.Error = res.Err.Error()
	}
	s.mu.Unlock()

	s.logger.Info("check completed", "status", res.Status, "needs_update", ev.NeedsUpdate != nil && *ev.NeedsUpdate)
	s.events.publish(Event{Name: EventCheckCompleted, Data: ev})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	m := s.checked
	s.mu.Unlock()
	if m == nil {
		http.Error(w, "No completed check to apply\n", http.StatusPreconditionFailed)
		return
	}

	job, err := s.engine.StartApply(s.baseCtx, m, s.reportProgress)
	if err != nil {
		s.rejectStart(w, "apply", err)
		return
	}

	s.mu.Lock()
	s.progress = 0
	s.mu.Unlock()

	s.logger.Info("apply started", "files", len(m.Entries))
	go s.awaitApply(job)
	writeJSON(w, http.StatusAccepted, map[string]update.Status{"apply": update.Running})
}

func (s *Server) reportProgress(percent int) {
	s.mu.Lock()
	s.progress = percent
	s.mu.Unlock()
	s.events.publish(Event{Name: EventApplyProgress, Data: ProgressEvent{Percent: percent}})
}

func (s *Server) awaitApply(job *update.Job[update.ApplyResult]) {
	res := job.Wait()
	ev := CompletedEvent{Status: res.Status}

	s.mu.Lock()
	switch res.Status {
	case update.Completed:
		// The tree changed, the checked manifest no longer describes it
		needs := false
		s.checked = nil
		s.needsUpdate = &needs
		s.lastErr = nil
	case update.Failed:
		s.lastErr = res.Err
		ev.Error = res.Err.Error()
	}
	s.mu.Unlock()

	s.logger.Info("apply completed", "status", res.Status)
	s.events.publish(Event{Name: EventApplyCompleted, Data: ev})
}

func (s *Server) rejectStart(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, update.ErrAlreadyRunning) {
		s.logger.Info("rejecting request, workflow already running", "workflow", kind)
		http.Error(w, fmt.Sprintf("%s already running\n", kind), http.StatusConflict)
		return
	}
	s.logger.Error("failed to start workflow", "workflow", kind, "error", err)
	http.Error(w, "Failed to start\n", http.StatusInternalServerError)
}

// handleCancel cancels ?workflow=check|apply, or both when omitted
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	which := r.URL.Query().Get("workflow")
	resp := map[string]bool{}

	switch which {
	case "check":
		resp["check"] = s.engine.CancelCheck()
	case "apply":
		resp["apply"] = s.engine.CancelApply()
	case "":
		resp["check"] = s.engine.CancelCheck()
		resp["apply"] = s.engine.CancelApply()
	default:
		http.Error(w, "Unknown workflow\n", http.StatusBadRequest)
		return
	}

	s.logger.Info("cancel requested", "workflow", which, "result", resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Check: s.engine.CheckStatus(),
		Apply: s.engine.ApplyStatus(),
	}

	s.mu.Lock()
	resp.NeedsUpdate = s.needsUpdate
	resp.Progress = s.progress
	if s.lastErr != nil {
		resp.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams workflow events as Server-Sent Events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := s.events.subscribe()
	defer s.events.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev.Data)
			if err != nil {
				s.logger.Error("failed to encode event", "event", ev.Name, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
