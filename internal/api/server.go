// Package api serves the agent channel endpoints and the query and admin
// surface over HTTP.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
	"github.com/ingenieroredes/netvault/internal/health"
	"github.com/ingenieroredes/netvault/internal/inventory"
	"github.com/ingenieroredes/netvault/internal/orchestrator"
	"github.com/ingenieroredes/netvault/internal/rules"
	"github.com/ingenieroredes/netvault/internal/store"
)

const maxBodySize = 1 << 20

// Deps are the components the API exposes. Stream may be nil.
type Deps struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Channel      *agentchannel.Channel
	Catalog      *rules.Catalog
	Health       *health.HealthServer
	Stream       http.Handler
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
}

// Server provides the HTTP endpoints of the audit service
type Server struct {
	store   store.Store
	orch    *orchestrator.Orchestrator
	channel *agentchannel.Channel
	catalog *rules.Catalog
	logger  *slog.Logger
	now     func() time.Time
	router  *mux.Router
}

// NewServer creates a server and its routes
func NewServer(deps Deps) *Server {
	s := &Server{
		store:   deps.Store,
		orch:    deps.Orchestrator,
		channel: deps.Channel,
		catalog: deps.Catalog,
		logger:  deps.Logger,
		now:     time.Now,
		router:  mux.NewRouter(),
	}
	s.setupRoutes(deps)
	return s
}

func (s *Server) setupRoutes(deps Deps) {
	s.router.Use(s.logRequests)

	// Agent channel
	s.router.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	s.router.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	s.router.HandleFunc("/facts", s.handleFacts).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/targets", s.handleListTargets).Methods(http.MethodGet)
	api.HandleFunc("/targets/{id}", s.handleGetTarget).Methods(http.MethodGet)
	api.HandleFunc("/targets/{id}", s.handlePutTarget).Methods(http.MethodPut)
	api.HandleFunc("/targets/{id}/enable", s.handleSetEnabled(true)).Methods(http.MethodPost)
	api.HandleFunc("/targets/{id}/disable", s.handleSetEnabled(false)).Methods(http.MethodPost)
	api.HandleFunc("/targets/{id}/facts/latest", s.handleLatestFacts).Methods(http.MethodGet)

	api.HandleFunc("/findings", s.handleFindings).Methods(http.MethodGet)

	api.HandleFunc("/runs", s.handleTriggerRun).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/cancel", s.handleCancelRun).Methods(http.MethodPost)

	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/revoke", s.handleRevokeAgent).Methods(http.MethodPost)

	api.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)
	api.HandleFunc("/rules/overrides", s.handleAddOverride).Methods(http.MethodPost)
	api.HandleFunc("/rules/overrides/{id}", s.handleRemoveOverride).Methods(http.MethodDelete)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if deps.Stream != nil {
		api.Handle("/stream", deps.Stream).Methods(http.MethodGet)
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if deps.Health != nil {
		deps.Health.RegisterRoutes(s.router)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket stream upgrade through the middleware
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": s.now().UTC(),
	})
}

// writeList writes the {<items>, count, timestamp} envelope
func (s *Server) writeList(w http.ResponseWriter, key string, items interface{}, count int) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		key:         items,
		"count":     count,
		"timestamp": s.now().UTC(),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var ruleErr *rules.ValidationError
	var targetErr *inventory.ValidationError
	switch {
	case errors.Is(err, agentchannel.ErrInvalidToken),
		errors.Is(err, agentchannel.ErrUnknownAgent),
		errors.Is(err, agentchannel.ErrRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, agentchannel.ErrDuplicateBinding),
		errors.Is(err, orchestrator.ErrTargetDisabled),
		errors.Is(err, orchestrator.ErrRunFinished):
		return http.StatusConflict
	case errors.Is(err, agentchannel.ErrSchemaViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, orchestrator.ErrUnknownTarget),
		errors.Is(err, orchestrator.ErrUnknownRun),
		errors.Is(err, rules.ErrOverrideNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidScope),
		errors.As(err, &ruleErr),
		errors.As(err, &targetErr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	s.writeErrorResponse(w, status, err.Error())
}
