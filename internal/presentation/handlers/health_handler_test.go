package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/walletkit/asset-valuation/internal/application/services"
	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/testutil"
)

type staticPool struct {
	chains []entities.ChainID
}

func (p staticPool) Chains() []entities.ChainID { return p.chains }

type staticEngine struct {
	cycles int64
	last   time.Time
}

func (e staticEngine) GetMetrics() services.BalanceMetrics {
	return services.BalanceMetrics{RefreshCycles: e.cycles, LastRefreshTime: e.last}
}

// newHealthFixture wires a handler with a healthy single-chain pool and a
// fresh refresh cycle; tests override the parts they exercise.
func newHealthFixture(db, cache HealthChecker) *HealthHandler {
	return NewHealthHandler(
		db,
		cache,
		staticPool{chains: []entities.ChainID{"0x1"}},
		staticEngine{cycles: 3, last: time.Now()},
		time.Minute,
	)
}

func doHealth(t *testing.T, handler *HealthHandler) (int, HealthResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)

	var response HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return rec.Code, response
}

func TestHealthHandler_Health(t *testing.T) {
	t.Run("all collaborators healthy", func(t *testing.T) {
		handler := newHealthFixture(testutil.NewMockHealthChecker(true), testutil.NewMockHealthChecker(true))

		code, response := doHealth(t, handler)
		if code != http.StatusOK {
			t.Errorf("expected status 200, got %d", code)
		}
		if response.Status != "healthy" {
			t.Errorf("expected status healthy, got %s", response.Status)
		}
		if response.Services["database"] != "healthy" {
			t.Errorf("expected database healthy, got %s", response.Services["database"])
		}
		if response.Services["chains"] != "healthy: 1 connected" {
			t.Errorf("expected chain count in report, got %s", response.Services["chains"])
		}
		if response.Services["engine"] != "healthy" {
			t.Errorf("expected engine healthy, got %s", response.Services["engine"])
		}
		if response.Timestamp == "" {
			t.Error("expected non-empty timestamp")
		}
	})

	t.Run("database failure is unhealthy", func(t *testing.T) {
		handler := newHealthFixture(testutil.NewMockHealthChecker(false), testutil.NewMockHealthChecker(true))

		code, response := doHealth(t, handler)
		if code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", code)
		}
		if response.Status != "unhealthy" {
			t.Errorf("expected status unhealthy, got %s", response.Status)
		}
		if response.Services["database"] == "healthy" {
			t.Error("expected database to be unhealthy")
		}
	})

	t.Run("cache failure only degrades", func(t *testing.T) {
		handler := newHealthFixture(testutil.NewMockHealthChecker(true), testutil.NewMockHealthChecker(false))

		code, response := doHealth(t, handler)
		if code != http.StatusOK {
			t.Errorf("expected status 200 for degraded, got %d", code)
		}
		if response.Status != "degraded" {
			t.Errorf("expected status degraded, got %s", response.Status)
		}
	})

	t.Run("nil cache is omitted from the report", func(t *testing.T) {
		handler := newHealthFixture(testutil.NewMockHealthChecker(true), nil)

		_, response := doHealth(t, handler)
		if response.Status != "healthy" {
			t.Errorf("expected status healthy, got %s", response.Status)
		}
		if _, exists := response.Services["cache"]; exists {
			t.Error("cache should not be in services when nil")
		}
	})

	t.Run("empty chain pool is unhealthy", func(t *testing.T) {
		handler := NewHealthHandler(
			testutil.NewMockHealthChecker(true), nil,
			staticPool{},
			staticEngine{cycles: 3, last: time.Now()},
			time.Minute,
		)

		code, response := doHealth(t, handler)
		if code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", code)
		}
		if response.Status != "unhealthy" {
			t.Errorf("expected status unhealthy, got %s", response.Status)
		}
	})

	t.Run("stale refresh degrades", func(t *testing.T) {
		handler := NewHealthHandler(
			testutil.NewMockHealthChecker(true), nil,
			staticPool{chains: []entities.ChainID{"0x1"}},
			staticEngine{cycles: 3, last: time.Now().Add(-time.Hour)},
			time.Minute,
		)

		code, response := doHealth(t, handler)
		if code != http.StatusOK {
			t.Errorf("expected status 200 for degraded, got %d", code)
		}
		if response.Status != "degraded" {
			t.Errorf("expected status degraded, got %s", response.Status)
		}
		if !strings.HasPrefix(response.Services["engine"], "stale:") {
			t.Errorf("expected stale engine report, got %s", response.Services["engine"])
		}
	})

	t.Run("no completed refresh reports starting, not stale", func(t *testing.T) {
		handler := NewHealthHandler(
			testutil.NewMockHealthChecker(true), nil,
			staticPool{chains: []entities.ChainID{"0x1"}},
			staticEngine{},
			time.Minute,
		)

		_, response := doHealth(t, handler)
		if response.Status != "healthy" {
			t.Errorf("boot phase should not degrade, got %s", response.Status)
		}
		if !strings.HasPrefix(response.Services["engine"], "starting") {
			t.Errorf("expected starting engine report, got %s", response.Services["engine"])
		}
	})

	t.Run("staleness never masks an unhealthy database", func(t *testing.T) {
		handler := NewHealthHandler(
			testutil.NewMockHealthChecker(false), nil,
			staticPool{chains: []entities.ChainID{"0x1"}},
			staticEngine{cycles: 3, last: time.Now().Add(-time.Hour)},
			time.Minute,
		)

		code, response := doHealth(t, handler)
		if code != http.StatusServiceUnavailable || response.Status != "unhealthy" {
			t.Errorf("expected unhealthy/503, got %s/%d", response.Status, code)
		}
	})
}

func TestHealthHandler_Health_ContentType(t *testing.T) {
	handler := newHealthFixture(testutil.NewMockHealthChecker(true), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)

	if contentType := rec.Header().Get("Content-Type"); contentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", contentType)
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	t.Run("ready when database and a chain are up", func(t *testing.T) {
		handler := newHealthFixture(testutil.NewMockHealthChecker(true), nil)

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rec := httptest.NewRecorder()
		handler.Ready(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
		if rec.Body.String() != "ready" {
			t.Errorf("expected body 'ready', got '%s'", rec.Body.String())
		}
	})

	t.Run("not ready without database", func(t *testing.T) {
		handler := newHealthFixture(testutil.NewMockHealthChecker(false), nil)

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rec := httptest.NewRecorder()
		handler.Ready(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rec.Code)
		}
	})

	t.Run("not ready without chains", func(t *testing.T) {
		handler := NewHealthHandler(
			testutil.NewMockHealthChecker(true), nil,
			staticPool{},
			staticEngine{cycles: 1, last: time.Now()},
			time.Minute,
		)

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rec := httptest.NewRecorder()
		handler.Ready(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rec.Code)
		}
	})
}

func TestHealthHandler_Live(t *testing.T) {
	// Liveness ignores every collaborator, including a dead database.
	handler := newHealthFixture(testutil.NewMockHealthChecker(false), nil)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	handler.Live(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "alive" {
		t.Errorf("expected body 'alive', got '%s'", rec.Body.String())
	}
}
