// Package server exposes runs, settings and the credential over a local
// HTTP API, and streams worker events to browsers over a WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmgilman/examparse/internal/catalog"
	"github.com/jmgilman/examparse/internal/exec"
	"github.com/jmgilman/examparse/internal/keychain"
	"github.com/jmgilman/examparse/internal/runner"
	"github.com/jmgilman/examparse/internal/settings"
	"github.com/jmgilman/examparse/internal/sidecar"
	"github.com/jmgilman/examparse/internal/slogger"
)

const shutdownTimeout = 5 * time.Second

// Starter starts worker runs. *runner.Runner implements it.
type Starter interface {
	Start(ctx context.Context, req sidecar.RunRequest) (*runner.Run, error)
	Mode() string
}

// Options configures a Server. All fields except Version and History are
// required. Without History the run listing is always empty.
type Options struct {
	Hub         *Hub
	Runner      Starter
	Settings    *settings.Store
	Credentials keychain.Keychain
	History     catalog.Store
	Version     string
}

// Server is the local UI backend.
type Server struct {
	hub      *Hub
	runner   Starter
	settings *settings.Store
	keys     keychain.Keychain
	history  catalog.Store
	version  string
}

// New creates a Server.
func New(opts Options) *Server {
	return &Server{
		hub:      opts.Hub,
		runner:   opts.Runner,
		settings: opts.Settings,
		keys:     opts.Credentials,
		history:  opts.History,
		version:  opts.Version,
	}
}

// Router returns the HTTP router. Handlers log through the logger carried
// by ctx.
func (s *Server) Router(ctx context.Context) chi.Router {
	log := slogger.L(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(slogger.WithLogger(req.Context(), log)))
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Get("/credential", s.handleGetCredential)
		r.Put("/credential", s.handlePutCredential)
		r.Delete("/credential", s.handleDeleteCredential)
		r.Handle("/events", s.hub)
	})

	return r
}

// Serve serves on ln until ctx is cancelled. It also watches the settings
// file and broadcasts every change to connected clients.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := slogger.L(ctx)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		err := s.settings.Watch(watchCtx, s.settingsChanged(log))
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("settings watch stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	log.Info("server listening", "addr", ln.Addr().String(), "mode", s.runner.Mode())

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
		<-errCh
	}

	stopWatch()
	<-watchDone

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) settingsChanged(log *slog.Logger) func(settings.AppSettings, error) {
	return func(cfg settings.AppSettings, err error) {
		if err != nil {
			log.Warn("reload settings", "error", err)
			return
		}
		s.hub.Broadcast(SettingsChanged, cfg)
	}
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Version string `json:"version"`
	Mode    string `json:"mode"`
	Clients int    `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Version: s.version,
		Mode:    s.runner.Mode(),
		Clients: s.hub.Clients(),
	})
}

// RunRequest is the body of POST /api/runs.
type RunRequest struct {
	Inputs []string `json:"inputs"`
	Output string   `json:"output,omitempty"`
	Mock   bool     `json:"mock,omitempty"`
}

// RunResponse is returned by POST /api/runs.
type RunResponse struct {
	ID      string `json:"id"`
	PID     int    `json:"pid"`
	LogPath string `json:"log_path,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body RunRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	req := sidecar.RunRequest{Inputs: body.Inputs, Output: body.Output}
	if body.Mock {
		req.Mode = sidecar.RunMock
	}

	// The worker outlives this request; the context only carries the logger.
	run, err := s.runner.Start(r.Context(), req)
	if err != nil {
		var spawnErr *exec.SpawnError
		switch {
		case errors.Is(err, sidecar.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		case errors.Is(err, sidecar.ErrResolution):
			writeError(w, http.StatusInternalServerError, CodeResolution, err.Error())
		case errors.As(err, &spawnErr):
			writeError(w, http.StatusInternalServerError, CodeSpawn, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, RunResponse{ID: run.ID, PID: run.PID, LogPath: run.LogPath})
}

// handleListRuns returns recorded runs, newest last. The optional status
// and limit query parameters narrow the result.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := catalog.ListFilter{Status: catalog.Status(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries := []catalog.Entry{}
	if s.history != nil {
		found, err := s.history.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, CodeStorage, err.Error())
			return
		}
		entries = append(entries, found...)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.history == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "run "+id+" not found")
		return
	}

	entry, err := s.history.Get(r.Context(), id)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "run "+id+" not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, CodeStorage, err.Error())
	default:
		writeJSON(w, http.StatusOK, entry)
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.settings.Load()
	if err != nil {
		writeSettingsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var cfg settings.AppSettings
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	if err := s.settings.Save(cfg); err != nil {
		writeSettingsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func writeSettingsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settings.ErrInvalid):
		writeError(w, http.StatusBadRequest, CodeInvalid, err.Error())
	case errors.Is(err, settings.ErrParse):
		writeError(w, http.StatusInternalServerError, CodeParse, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeStorage, err.Error())
	}
}

// CredentialStatus is returned by GET /api/credential. The secret itself is
// never sent.
type CredentialStatus struct {
	Configured bool `json:"configured"`
}

// CredentialRequest is the body of PUT /api/credential.
type CredentialRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleGetCredential(w http.ResponseWriter, _ *http.Request) {
	ok, err := s.keys.Configured()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeCredential, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, CredentialStatus{Configured: ok})
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	var body CredentialRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	if err := s.keys.Save(body.APIKey); err != nil {
		if errors.Is(err, keychain.ErrEmptySecret) {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, CodeCredential, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, CredentialStatus{Configured: true})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, _ *http.Request) {
	if err := s.keys.Delete(); err != nil {
		writeError(w, http.StatusInternalServerError, CodeCredential, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, CredentialStatus{Configured: false})
}
