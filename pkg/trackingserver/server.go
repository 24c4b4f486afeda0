// Package trackingserver serves a local experiment tracker: experiments,
// runs, a model registry and an artifact proxy over the tracker REST API.
package trackingserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/artifactstore"
	"github.com/mimir-aip/labelnoise/pkg/logging"
	"github.com/mimir-aip/labelnoise/pkg/metadatastore"
)

const (
	apiPrefix      = "/api/2.0/mlflow"
	artifactPrefix = "/api/2.0/mlflow-artifacts/artifacts"

	// DefaultStaleAfter is how long a run may stay RUNNING before the reaper kills it
	DefaultStaleAfter = 24 * time.Hour
)

// Options configures a Server
type Options struct {
	ReapSchedule string        // cron spec; empty disables the reaper
	StaleAfter   time.Duration // age after which RUNNING runs are killed
	Logger       *zap.Logger
}

// Server is the local tracking server
type Server struct {
	router     *mux.Router
	store      metadatastore.MetadataStore
	artifacts  *artifactstore.FilesystemStore
	log        *zap.Logger
	registry   *prometheus.Registry
	metrics    *serverMetrics
	cron       *cron.Cron
	staleAfter time.Duration
	now        func() time.Time
}

// New creates a server over an existing metadata store and artifact store
func New(store metadatastore.MetadataStore, artifacts *artifactstore.FilesystemStore, opts Options) (*Server, error) {
	if store == nil || artifacts == nil {
		return nil, fmt.Errorf("metadata store and artifact store are required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.GetLogger()
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		router:     mux.NewRouter(),
		store:      store,
		artifacts:  artifacts,
		log:        log.With(zap.String("component", "tracking-server")),
		registry:   registry,
		metrics:    newServerMetrics(registry),
		staleAfter: staleAfter,
		now:        time.Now,
	}

	if opts.ReapSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(opts.ReapSchedule, s.reapJob); err != nil {
			return nil, fmt.Errorf("invalid reap schedule %q: %w", opts.ReapSchedule, err)
		}
	}

	s.setupRoutes()
	return s, nil
}

// Open creates a server whose state lives under dataDir
func Open(dataDir string, opts Options) (*Server, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := metadatastore.NewSQLiteStore(filepath.Join(dataDir, "tracking.db"))
	if err != nil {
		return nil, err
	}
	artifacts, err := artifactstore.NewFilesystemStore(filepath.Join(dataDir, "artifacts"))
	if err != nil {
		store.Close()
		return nil, err
	}
	s, err := New(store, artifacts, opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Registry exposes the server's metric registry
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Start starts background maintenance
func (s *Server) Start() {
	if s.cron != nil {
		s.cron.Start()
		s.log.Info("stale run reaper started", zap.Duration("stale_after", s.staleAfter))
	}
}

// Close stops background maintenance and closes the metadata store
func (s *Server) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return s.store.Close()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("tracking server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("shutting down tracking server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix(apiPrefix).Subrouter()

	// Experiments
	api.HandleFunc("/experiments/create", s.handleCreateExperiment).Methods(http.MethodPost)
	api.HandleFunc("/experiments/get", s.handleGetExperiment).Methods(http.MethodGet)
	api.HandleFunc("/experiments/get-by-name", s.handleGetExperimentByName).Methods(http.MethodGet)
	api.HandleFunc("/experiments/search", s.handleSearchExperiments).Methods(http.MethodGet, http.MethodPost)

	// Runs
	api.HandleFunc("/runs/create", s.handleCreateRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/get", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/log-batch", s.handleLogBatch).Methods(http.MethodPost)
	api.HandleFunc("/runs/update", s.handleUpdateRun).Methods(http.MethodPost)

	// Model registry
	api.HandleFunc("/registered-models/create", s.handleCreateRegisteredModel).Methods(http.MethodPost)
	api.HandleFunc("/registered-models/get", s.handleGetRegisteredModel).Methods(http.MethodGet)
	api.HandleFunc("/registered-models/get-latest-versions", s.handleGetLatestVersions).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/model-versions/create", s.handleCreateModelVersion).Methods(http.MethodPost)
	api.HandleFunc("/model-versions/get", s.handleGetModelVersion).Methods(http.MethodGet)
	api.HandleFunc("/model-versions/get-download-uri", s.handleGetDownloadURI).Methods(http.MethodGet)

	// Artifact proxy
	s.router.HandleFunc(artifactPrefix, s.handleListArtifacts).Methods(http.MethodGet)
	s.router.HandleFunc(artifactPrefix+"/{path:.+}", s.handleUploadArtifact).Methods(http.MethodPut)
	s.router.HandleFunc(artifactPrefix+"/{path:.+}", s.handleDownloadArtifact).Methods(http.MethodGet)
	s.router.HandleFunc(artifactPrefix+"/{path:.+}", s.handleDeleteArtifact).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "ENDPOINT_NOT_FOUND", fmt.Sprintf("no handler for %s %s", r.Method, r.URL.Path))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy, err := s.artifacts.HealthCheck()
	if !healthy {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "healthy"})
}
