package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/walletkit/asset-valuation/internal/application/services"
	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

// HealthChecker defines the interface for pingable backing stores
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ChainPool reports which chains hold a live RPC connection.
type ChainPool interface {
	Chains() []entities.ChainID
}

// RefreshProgress exposes the balance engine's refresh counters.
type RefreshProgress interface {
	GetMetrics() services.BalanceMetrics
}

// HealthHandler reports the engine's collaborators: Postgres, Redis, the
// chain RPC pool, and the freshness of the balance refresh loop.
type HealthHandler struct {
	db     HealthChecker
	cache  HealthChecker
	pool   ChainPool
	engine RefreshProgress

	// staleAfter is how old the last completed refresh may be before the
	// engine reports degraded. Zero disables the staleness check.
	staleAfter time.Duration
}

// NewHealthHandler creates a new health handler. cache may be nil when the
// daemon runs without Redis.
func NewHealthHandler(db, cache HealthChecker, pool ChainPool, engine RefreshProgress, staleAfter time.Duration) *HealthHandler {
	return &HealthHandler{
		db:         db,
		cache:      cache,
		pool:       pool,
		engine:     engine,
		staleAfter: staleAfter,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  make(map[string]string),
	}
	degrade := func() {
		if response.Status == "healthy" {
			response.Status = "degraded"
		}
	}

	// Check database
	if err := h.db.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Services["database"] = "unhealthy: " + err.Error()
	} else {
		response.Services["database"] = "healthy"
	}

	// Check cache
	if h.cache != nil {
		if err := h.cache.HealthCheck(ctx); err != nil {
			degrade()
			response.Services["cache"] = "unhealthy: " + err.Error()
		} else {
			response.Services["cache"] = "healthy"
		}
	}

	// Check chain RPC connections. Every balance the engine serves comes
	// through the pool, so an empty pool means no data flows at all.
	if chains := h.pool.Chains(); len(chains) == 0 {
		response.Status = "unhealthy"
		response.Services["chains"] = "unhealthy: no RPC connection"
	} else {
		response.Services["chains"] = fmt.Sprintf("healthy: %d connected", len(chains))
	}

	// Check refresh freshness
	switch m := h.engine.GetMetrics(); {
	case m.RefreshCycles == 0:
		response.Services["engine"] = "starting: no refresh completed yet"
	case h.staleAfter > 0 && time.Since(m.LastRefreshTime) > h.staleAfter:
		degrade()
		response.Services["engine"] = "stale: last refresh " + m.LastRefreshTime.UTC().Format(time.RFC3339)
	default:
		response.Services["engine"] = "healthy"
	}

	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// Ready handles GET /ready (Kubernetes readiness probe). Ready means the
// engine can serve valuations: the database answers and at least one chain
// is connected.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.HealthCheck(ctx); err != nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if len(h.pool.Chains()) == 0 {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// Live handles GET /live (Kubernetes liveness probe)
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("alive"))
}
