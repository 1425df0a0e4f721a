package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/orchestrator"
	"transfer-engine/pkg/resilience"
	"transfer-engine/pkg/scheduler"
	"transfer-engine/pkg/transfer"
)

// Server provides the operator HTTP endpoints: one-off transfers, retries,
// reconciliation, on-demand runs and breaker inspection.
type Server struct {
	orch      *orchestrator.Orchestrator
	runner    *scheduler.Runner
	contracts transfer.RecurringContractStore
	breakers  []*resilience.Breaker
	gatherer  prometheus.Gatherer
	loc       *time.Location
	logger    *logging.Logger
	now       func() time.Time

	router *mux.Router
	server *http.Server
	config ServerConfig
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses. Runs and transfers block until they
	// finish, so keep it above the gateway timeout.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown in Run.
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Deps are the components the server exposes. Runner, Contracts and
// Gatherer are optional; their routes answer 501 when missing.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Runner       *scheduler.Runner
	Contracts    transfer.RecurringContractStore
	Breakers     []*resilience.Breaker
	Gatherer     prometheus.Gatherer

	// Location is the zone a "date" parameter is read in (default: Local).
	Location *time.Location
	Logger   *logging.Logger
}

// NewServer creates a new operator API server.
func NewServer(deps Deps, config ServerConfig) *Server {
	s := &Server{
		orch:      deps.Orchestrator,
		runner:    deps.Runner,
		contracts: deps.Contracts,
		breakers:  deps.Breakers,
		gatherer:  deps.Gatherer,
		loc:       deps.Location,
		logger:    deps.Logger,
		now:       time.Now,
		config:    config,
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.logger == nil {
		s.logger = logging.Global()
	}
	s.logger = s.logger.Named("api")

	r := mux.NewRouter().UseEncodedPath()
	r.Use(s.requestLogger)

	// Health and status endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/breakers", s.handleBreakers).Methods(http.MethodGet)

	// Metrics endpoint
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Transfer operations
	r.HandleFunc("/transfers", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/operations/{key}", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/operations/{key}/retry", s.handleRetry).Methods(http.MethodPost)
	r.HandleFunc("/operations/{key}/reconcile", s.handleReconcile).Methods(http.MethodPost)

	// Recurring contracts
	r.HandleFunc("/runs", s.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/contracts/{id}", s.handleGetContract).Methods(http.MethodGet)
	r.HandleFunc("/contracts/{id}/status", s.handleContractStatus).Methods(http.MethodPut)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.config.Address))
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultServerConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestLogger tags each request with an X-Request-ID and logs it once done.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			logging.Elapsed(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"error":  err.Error(),
		"reason": transfer.ClassifyError(err),
	})
}

var startTime = time.Now()
