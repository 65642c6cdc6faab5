// Package httpapi exposes the catalogue, curation, analysis and GEO import
// operations over a JSON REST API.
package httpapi

import (
	"expvar"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exprcore/internal/blob"
	"exprcore/internal/core"
	"exprcore/internal/geo"
	"exprcore/internal/search"
	"exprcore/internal/tasks"
)

const apiPrefix = "/api/v1"

// Server wires the service and its collaborators to HTTP routes. Optional
// collaborators that are not configured make their routes answer 503.
type Server struct {
	svc       *core.Service
	blobs     blob.Store
	worker    *tasks.Worker
	index     *search.Index
	scheduler *search.Scheduler
	fetcher   *geo.Fetcher
	importer  *geo.Importer
	auth      *Authenticator
	logger    core.Logger
	metrics   *HTTPMetrics
	gatherer  prometheus.Gatherer
	expvar    bool
}

// Option customises a Server.
type Option func(*Server)

// WithBlobStore enables the expression matrix routes.
func WithBlobStore(b blob.Store) Option { return func(s *Server) { s.blobs = b } }

// WithTaskWorker enables analysis task routes.
func WithTaskWorker(w *tasks.Worker) Option { return func(s *Server) { s.worker = w } }

// WithSearch enables search and index rebuild routes. scheduler may be nil,
// in which case rebuilds run synchronously.
func WithSearch(ix *search.Index, scheduler *search.Scheduler) Option {
	return func(s *Server) {
		s.index = ix
		s.scheduler = scheduler
	}
}

// WithGEO enables the GEO import route.
func WithGEO(f *geo.Fetcher, im *geo.Importer) Option {
	return func(s *Server) {
		s.fetcher = f
		s.importer = im
	}
}

// WithAuthenticator sets token validation. Without one, auth is disabled.
func WithAuthenticator(a *Authenticator) Option { return func(s *Server) { s.auth = a } }

// WithLogger sets the request logger.
func WithLogger(l core.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records request metrics and serves g on /metrics.
func WithMetrics(m *HTTPMetrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithExpvar serves the process expvars on /debug/vars.
func WithExpvar() Option { return func(s *Server) { s.expvar = true } }

// New constructs a Server around svc.
func New(svc *core.Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: core.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = DisabledAuthenticator()
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(s.logger), metricsMiddleware(s.metrics))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.expvar {
		r.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix(apiPrefix).Subrouter()
	api.Use(s.auth.Middleware)

	s.registerExperiments(api)
	registerResource(api, s, arrayDesignResource(s.svc))
	registerResource(api, s, geneResource(s.svc))
	registerResource(api, s, protocolResource(s.svc))
	registerResource(api, s, phenotypeResource(s.svc))

	api.HandleFunc("/arraydesigns/{id}/curation", s.handleCuration(arrayDesignEntity)).Methods(http.MethodPost)
	api.HandleFunc("/arraydesigns/{id}/audit", s.handleAudit(arrayDesignEntity)).Methods(http.MethodGet)

	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/analyses/{id}", s.handleGetAnalysis).Methods(http.MethodGet)
	api.HandleFunc("/analyses/{id}", s.handleDeleteAnalysis).Methods(http.MethodDelete)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/admin/index/rebuild", s.handleRebuildIndex).Methods(http.MethodPost)
	api.HandleFunc("/admin/geo/{accession}", s.handleGEOImport).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.index != nil {
		body["search_index"] = s.index.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}
