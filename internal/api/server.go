// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/portfolio-briefing/internal/circuitbreaker"
	"github.com/portfolio-briefing/internal/logging"
	"github.com/portfolio-briefing/internal/models"
	"github.com/portfolio-briefing/internal/ratelimit"
	"github.com/portfolio-briefing/internal/report"
	"github.com/portfolio-briefing/internal/service"
)

// Service interfaces for dependency injection and testing

// QueryServiceInterface defines the read operations over stored snapshots
type QueryServiceInterface interface {
	GetSnapshot(ctx context.Context, ownerID string, date time.Time) (*models.Snapshot, error)
	GetChanges(ctx context.Context, ownerID string, date time.Time) (*models.ChangeReport, error)
	ListDates(ctx context.Context, ownerID string, limit int) ([]time.Time, error)
	GetHistory(ctx context.Context, ownerID string, from, to time.Time) ([]*models.ChangeHistoryEntry, error)
}

// BriefingServiceInterface defines the on-demand briefing operations
type BriefingServiceInterface interface {
	ProcessOwner(ctx context.Context, owner *models.Owner, date time.Time) (*service.OwnerResult, error)
	Today() time.Time
	Monitor() *service.PerformanceMonitor
}

// OwnerRepositoryInterface looks up owners by id
type OwnerRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*models.Owner, error)
}

// ProviderStatusInterface reports the holdings provider guards
type ProviderStatusInterface interface {
	BreakerStats() *circuitbreaker.Stats
	BudgetUsage(ctx context.Context) (*ratelimit.BudgetUsage, error)
}

// Server represents the HTTP API server.
type Server struct {
	router          *mux.Router
	httpServer      *http.Server
	queryService    QueryServiceInterface
	briefingService BriefingServiceInterface
	ownerRepo       OwnerRepositoryInterface
	provider        ProviderStatusInterface
	reportOptions   report.Options
	config          *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond int // Per client
	ReportOptions     report.Options
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	queryService QueryServiceInterface,
	briefingService BriefingServiceInterface,
	ownerRepo OwnerRepositoryInterface,
) *Server {
	s := &Server{
		router:          mux.NewRouter(),
		queryService:    queryService,
		briefingService: briefingService,
		ownerRepo:       ownerRepo,
		reportOptions:   config.ReportOptions,
		config:          config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	if s.config.RequestsPerSecond > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond)))
	}
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/owners/{id}/snapshots", s.handleListSnapshots).Methods("GET")
	api.HandleFunc("/owners/{id}/snapshots/{date}", s.handleGetSnapshot).Methods("GET")
	api.HandleFunc("/owners/{id}/changes/{date}", s.handleGetChanges).Methods("GET")
	api.HandleFunc("/owners/{id}/history", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/owners/{id}/run", s.handleRunOwner).Methods("POST")
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetProviderStatus adds the provider breaker and call budget to /health
func (s *Server) SetProviderStatus(provider ProviderStatusInterface) {
	s.provider = provider
}

// handleHealth handles health check requests. Slow or failing owner runs
// and an open provider breaker report "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	body := map[string]interface{}{
		"service": "portfolio-briefing",
	}

	if s.briefingService != nil {
		monitor := s.briefingService.Monitor()
		check := monitor.CheckPerformance()
		body["runs"] = monitor.GetStats()
		body["performance"] = check
		if !check.Passed {
			status = "degraded"
		}
	}

	if s.provider != nil {
		provider := map[string]interface{}{}
		breaker := s.provider.BreakerStats()
		provider["breaker"] = breaker
		if breaker.State == circuitbreaker.StateOpen {
			status = "degraded"
		}

		usage, err := s.provider.BudgetUsage(r.Context())
		switch {
		case err != nil:
			logging.FromContext(r.Context()).WithError(err).Warn("Provider budget usage unavailable")
			provider["budget"] = map[string]interface{}{"error": "unavailable"}
		case usage != nil:
			provider["budget"] = usage
		}
		body["provider"] = provider
	}

	body["status"] = status
	respondJSON(w, http.StatusOK, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.GetGlobalLogger().WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.GetGlobalLogger().Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
