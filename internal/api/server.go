package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/models"
	"analysis-orchestrator/internal/telemetry"
)

// Snapshotter exposes live job states of the running batch.
type Snapshotter interface {
	Snapshot() []models.JobStatus
	Get(subject string) (models.JobStatus, bool)
}

// Server wires HTTP handlers for the read-only status API.
type Server struct {
	jobs   Snapshotter
	runID  string
	logger *zap.Logger
}

// New constructs the status server.
func New(jobs Snapshotter, runID string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{jobs: jobs, runID: runID, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.With(contentTypeJSON).Get("/jobs", s.handleListJobs)
	r.With(contentTypeJSON).Get("/jobs/{subject}", s.handleGetJob)
	return r
}

type listResponse struct {
	RunID string             `json:"run_id,omitempty"`
	Jobs  []models.JobStatus `json:"jobs"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listResponse{RunID: s.runID, Jobs: s.jobs.Snapshot()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	st, ok := s.jobs.Get(subject)
	if !ok {
		http.Error(w, "unknown subject", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
