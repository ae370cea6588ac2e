// Package api provides the HTTP surface: the pipeline trigger and status
// operations plus read access to the contract and token catalogue.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/pipeline"
)

// PipelineRunner is the orchestrator surface the trigger needs
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*models.PipelineRun, error)
	Describe() pipeline.Status
}

// Catalog is the read and reanalysis surface of the catalogue
type Catalog interface {
	GetContract(ctx context.Context, identifier string) (*models.Contract, error)
	ListContracts(ctx context.Context, f models.ContractFilter) ([]*models.Contract, error)
	RequestReanalysis(ctx context.Context, identifier string) (*models.Contract, error)
	GetToken(ctx context.Context, identifier string) (*models.Token, error)
	ListTokens(ctx context.Context, f models.TokenFilter) ([]*models.Token, error)
	GetRun(ctx context.Context, id string) (*models.PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.PipelineRun, error)
}

// HealthChecker reports backing store reachability
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	pipeline   PipelineRunner
	catalog    Catalog
	health     HealthChecker
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int
	Burst           int
	// PipelineSecret gates POST /api/pipeline/run. Empty disables triggers.
	PipelineSecret string
}

// NewServer creates a new API server instance. health may be nil.
func NewServer(config *ServerConfig, runner PipelineRunner, catalog Catalog, health HealthChecker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:   mux.NewRouter(),
		pipeline: runner,
		catalog:  catalog,
		health:   health,
		logger:   logger.WithComponent("api"),
		config:   config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)

	// Order matters: logging installs the request logger the others use
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	if s.config.RequestsPerSec > 0 {
		s.router.Use(RateLimitMiddleware(rateLimiter))
	}
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/pipeline/run", s.handleRunPipeline).Methods(http.MethodPost)
	api.HandleFunc("/pipeline/status", s.handlePipelineStatus).Methods(http.MethodGet)
	api.HandleFunc("/pipeline/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/pipeline/runs/{id}", s.handleGetRun).Methods(http.MethodGet)

	api.HandleFunc("/contracts", s.handleListContracts).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}", s.handleGetContract).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}/reanalyze", s.handleReanalyze).Methods(http.MethodPost)

	api.HandleFunc("/tokens", s.handleListTokens).Methods(http.MethodGet)
	api.HandleFunc("/tokens/{id}", s.handleGetToken).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "contract-catalog",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "contract-catalog",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
