// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// CheckFunc reports a dependency problem as an error
type CheckFunc func(ctx context.Context) error

// HealthServer handles health check endpoints. Liveness only fails once
// Shutdown is called; readiness runs every registered check.
type HealthServer struct {
	mu       sync.RWMutex
	checks   map[string]CheckFunc
	stopping bool
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHealthServer creates a new health server
func NewHealthServer(logger *slog.Logger) *HealthServer {
	return &HealthServer{
		checks:  make(map[string]CheckFunc),
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// AddCheck registers a readiness check
func (h *HealthServer) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Shutdown marks the process as going away
func (h *HealthServer) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopping = true
}

// HealthResponse represents the response structure for health endpoints
type HealthResponse struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Ready runs all checks and returns their results
func (h *HealthServer) Ready(ctx context.Context) HealthResponse {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := h.checks
	stopping := h.stopping
	h.mu.RUnlock()
	sort.Strings(names)

	resp := HealthResponse{OK: !stopping, Checks: make(map[string]string, len(names))}
	if stopping {
		resp.Message = "Service shutting down"
	}
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := checks[name](checkCtx)
		cancel()
		if err != nil {
			resp.OK = false
			resp.Checks[name] = err.Error()
			h.logger.Warn("Readiness check failed", "check", name, "error", err)
			continue
		}
		resp.Checks[name] = "ok"
	}
	if !resp.OK && resp.Message == "" {
		resp.Message = "Service not ready"
	}
	return resp
}

// healthzHandler handles GET /healthz
func (h *HealthServer) healthzHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stopping := h.stopping
	h.mu.RUnlock()

	if stopping {
		writeHealth(w, http.StatusServiceUnavailable, HealthResponse{OK: false, Message: "Service shutting down"})
		return
	}
	writeHealth(w, http.StatusOK, HealthResponse{OK: true})
}

// readyzHandler handles GET /readyz
func (h *HealthServer) readyzHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.Ready(r.Context())
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// RegisterRoutes registers all health check routes
func (h *HealthServer) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.readyzHandler).Methods(http.MethodGet)
}
