// Package server is the read-only audit HTTP API over pipeline state
// and artifacts: clusters, manifests, quality reports, extraction
// lookups, full text search, and a live SSE progress stream.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Yehonatan-Bar/skill-mill/internal/artifact"
	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/internal/db/gorm"
	"github.com/Yehonatan-Bar/skill-mill/internal/server/sse"
)

// Service is the audit server. Every endpoint is read only; the
// pipeline is the sole writer of state and artifacts.
type Service struct {
	version     string
	cfg         *config.Config
	artifacts   *artifact.Store
	state       *gorm.StateStore
	broadcaster *sse.Broadcaster
	router      chi.Router
	httpSrv     *http.Server
	startTime   time.Time
	ready       atomic.Bool
}

// New wires the service over the given stores.
func New(version string, cfg *config.Config, artifacts *artifact.Store, state *gorm.StateStore) *Service {
	svc := &Service{
		version:     version,
		cfg:         cfg,
		artifacts:   artifacts,
		state:       state,
		broadcaster: sse.NewBroadcaster(),
		router:      chi.NewRouter(),
		startTime:   time.Now(),
	}
	svc.router.Use(requestLogger)
	svc.setupRoutes()
	return svc
}

// Router exposes the handler tree, mainly for tests and embedding.
func (s *Service) Router() http.Handler { return s.router }

// Broadcaster exposes the SSE broadcaster so the pipeline can push
// progress events through the server.
func (s *Service) Broadcaster() *sse.Broadcaster { return s.broadcaster }

// SetReady flips the health endpoint's ready flag.
func (s *Service) SetReady(ready bool) { s.ready.Store(ready) }

// setupRoutes registers the audit API.
func (s *Service) setupRoutes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/runs/latest", s.handleLatestRun)
	s.router.Get("/api/runs/summary", s.handleRunSummary)
	s.router.Get("/api/clusters", s.handleListClusters)
	s.router.Get("/api/clusters/{clusterID}", s.handleGetCluster)
	s.router.Get("/api/clusters/{clusterID}/manifest", s.handleGetManifest)
	s.router.Get("/api/quality", s.handleQuality)
	s.router.Get("/api/extractions/{docID}", s.handleGetExtraction)
	s.router.Get("/api/search", s.handleSearch)
	s.router.Get("/api/events", s.broadcaster.HandleSSE)
	s.router.Get("/", serveIndex)
	s.router.Get("/static/*", serveAssets)
}

// Start serves until Shutdown. Always returns a non-nil error, which is
// http.ErrServerClosed after a clean shutdown.
func (s *Service) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ServerAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)
	log.Info().Str("addr", s.cfg.ServerAddr).Msg("Audit server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger logs one line per request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Request served")
	})
}
