package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/application/services"
	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

// ValuationHandler handles HTTP requests for wallet valuation endpoints
type ValuationHandler struct {
	service *services.ValuationService
	logger  *zap.Logger
}

// NewValuationHandler creates a new valuation handler
func NewValuationHandler(service *services.ValuationService, logger *zap.Logger) *ValuationHandler {
	return &ValuationHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the valuation routes on a chi router
func (h *ValuationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/wallets", func(r chi.Router) {
		r.Get("/valuations", h.GetWalletValuations)
		r.Get("/{walletID}/change/{period}", h.GetPeriodChange)
	})
}

// GetWalletValuations handles GET /api/v1/wallets/valuations
func (h *ValuationHandler) GetWalletValuations(w http.ResponseWriter, r *http.Request) {
	response, err := h.service.GetWalletValuations(r.Context())
	if err != nil {
		h.logger.Error("Failed to get wallet valuations", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to get wallet valuations")
		return
	}

	h.respondJSON(w, http.StatusOK, response)
}

// GetPeriodChange handles GET /api/v1/wallets/{walletID}/change/{period}
func (h *ValuationHandler) GetPeriodChange(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	period, ok := parsePeriod(chi.URLParam(r, "period"))
	if !ok {
		h.respondError(w, http.StatusBadRequest, "Invalid period, expected 1d, 7d or 30d")
		return
	}

	response, err := h.service.GetPeriodChange(r.Context(), walletID, period)
	if err != nil {
		h.logger.Error("Failed to get period change",
			zap.Error(err),
			zap.String("wallet_id", walletID),
			zap.String("period", string(period)),
		)
		h.respondError(w, http.StatusInternalServerError, "Failed to get period change")
		return
	}

	if response == nil {
		h.respondError(w, http.StatusNotFound, "Wallet not found")
		return
	}

	h.respondJSON(w, http.StatusOK, response)
}

func parsePeriod(raw string) (entities.Period, bool) {
	switch entities.Period(raw) {
	case entities.Period1D, entities.Period7D, entities.Period30D:
		return entities.Period(raw), true
	}
	return "", false
}

func (h *ValuationHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *ValuationHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
