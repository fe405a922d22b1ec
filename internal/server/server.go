// Package server exposes the HTTP surface: a webhook endpoint that triggers
// registry syncs, plus a small JSON API over the latest report and the run
// journal.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetsync/fleetsync/internal/api"
	"github.com/fleetsync/fleetsync/internal/config"
	"github.com/fleetsync/fleetsync/internal/history"
)

// SyncFunc runs one full registry batch and returns its report.
type SyncFunc func(ctx context.Context, trigger string) (*api.FleetSyncReport, error)

// Journal is the read side of the run journal served by the API.
type Journal interface {
	ListRuns(ctx context.Context, limit int) ([]*api.RunRecord, error)
	GetRun(ctx context.Context, id string) (*api.FleetSyncReport, error)
}

// Server handles webhook and API requests. Sync runs are single-flight: a
// trigger that arrives while a run is in progress queues at most one re-run.
type Server struct {
	cfg     *config.Config
	syncFn  SyncFunc
	journal Journal // nil when the journal is disabled
	logger  *slog.Logger
	secret  []byte

	mu          sync.Mutex // guards lastReport, syncRunning, syncPending
	lastReport  *api.FleetSyncReport
	syncRunning bool
	syncPending bool

	debounce *debouncer
}

// New creates a server. The webhook secret is read from the configured
// environment variable and must be set.
func New(cfg *config.Config, syncFn SyncFunc, journal Journal, logger *slog.Logger) (*Server, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret())
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is not set (%s)", cfg.Serve.WebhookSecretEnv)
	}

	s := &Server{
		cfg:     cfg,
		syncFn:  syncFn,
		journal: journal,
		logger:  logger,
		secret:  []byte(secret),
	}
	s.debounce = &debouncer{delay: cfg.ServeDebounce()}
	return s, nil
}

// Start performs an initial sync, then serves until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Performing initial sync before serving")
	s.performSync(api.TriggerManual)

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", "addr", s.cfg.Serve.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhook", s.handleWebhook)
		r.Post("/sync", s.handleSync)
		r.Get("/report", s.handleReport)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleSync handles POST /api/v1/sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	go s.performSync(api.TriggerAPI)

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(api.APIResponse{
		Message: "Sync started",
	})
}

// handleReport handles GET /api/v1/report
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	report := s.lastReport
	s.mu.Unlock()

	if report == nil {
		http.Error(w, "no sync has completed yet", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(api.APIResponse{
		Data: report,
	})
}

// handleListRuns handles GET /api/v1/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		// Journal disabled: an empty list, not an error.
		json.NewEncoder(w).Encode(api.APIResponse{
			Data: []*api.RunRecord{},
		})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.journal.ListRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(api.APIResponse{
		Data: runs,
	})
}

// handleGetRun handles GET /api/v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, history.ErrRunNotFound.Error(), http.StatusNotFound)
		return
	}

	id := chi.URLParam(r, "id")
	report, err := s.journal.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(api.APIResponse{
		Data: report,
	})
}

// performSync executes one sync with single-flight semantics. If a sync is
// already in progress, at most one additional run is queued; further
// concurrent triggers are dropped.
func (s *Server) performSync(trigger string) {
	s.mu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.mu.Unlock()
		s.logger.Info("Sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.mu.Unlock()

	for {
		report, err := s.syncFn(context.Background(), trigger)
		if err != nil {
			s.logger.Error("Sync failed", "error", err)
		} else {
			s.mu.Lock()
			s.lastReport = report
			s.mu.Unlock()
			s.logger.Info("Sync completed",
				"run_id", report.RunID,
				"total", len(report.Results),
				"failed", report.Failed())
		}

		s.mu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.mu.Unlock()
			return
		}
		s.syncPending = false
		s.mu.Unlock()

		s.logger.Info("Re-running sync due to pending request")
	}
}
