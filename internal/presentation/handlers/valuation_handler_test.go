package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/application/services"
	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/infrastructure/statestore"
	"github.com/walletkit/asset-valuation/internal/testutil"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return v
}

func newValuationFixture(t *testing.T) (*ValuationHandler, *statestore.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	store := statestore.NewMemoryStore(zap.NewNop())
	store.MergeChainBalances(ctx, "0x1", entities.ChainBalances{
		testutil.AliceAddress: {entities.ZeroAddress: "0x1bc16d674ec80000"}, // 2 ETH
	})
	native := testutil.MarketDataWithPrice(entities.ZeroAddress, "1")
	native.PricePercentChange1d = testutil.PointerTo(decimalFromString(t, "25"))
	store.MergeMarketData(ctx, "0x1", map[string]entities.MarketData{
		entities.ZeroAddress: native,
	})
	store.MergeCurrencyRates(ctx, entities.CurrencyRates{"eth": testutil.RateOf("3000")})

	directory := testutil.NewMockAccountDirectory()
	directory.SetWallets([]entities.Wallet{
		testutil.CreateTestWallet("wallet-1", testutil.CreateTestAccount("acc-1", testutil.AliceAddress)),
	})

	service := services.NewValuationService(store, directory, nil, []entities.ChainID{"0x1"}, zap.NewNop())
	t.Cleanup(service.Close)

	return NewValuationHandler(service, zap.NewNop()), store
}

func newValuationRouter(h *ValuationHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		h.RegisterRoutes(r)
	})
	return r
}

func TestValuationHandler_GetWalletValuations(t *testing.T) {
	handler, _ := newValuationFixture(t)
	router := newValuationRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/valuations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var response struct {
		Data []struct {
			WalletID string `json:"wallet_id"`
			Total    string `json:"total"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(response.Data) != 1 {
		t.Fatalf("expected 1 wallet, got %d", len(response.Data))
	}
	if response.Data[0].WalletID != "wallet-1" {
		t.Errorf("unexpected wallet id %q", response.Data[0].WalletID)
	}
	if response.Data[0].Total != "6000" {
		t.Errorf("expected total 6000, got %q", response.Data[0].Total)
	}
}

func TestValuationHandler_GetPeriodChange(t *testing.T) {
	handler, _ := newValuationFixture(t)
	router := newValuationRouter(handler)

	t.Run("returns the reconstructed change", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/wallet-1/change/1d", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var response struct {
			WalletID string `json:"wallet_id"`
			Data     struct {
				CurrentTotal  string `json:"current_total"`
				PreviousTotal string `json:"previous_total"`
				PercentChange string `json:"percent_change"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
			t.Fatalf("invalid JSON response: %v", err)
		}
		if response.Data.CurrentTotal != "6000" || response.Data.PreviousTotal != "4800" {
			t.Errorf("unexpected totals: %+v", response.Data)
		}
		if response.Data.PercentChange != "25" {
			t.Errorf("expected 25 percent, got %q", response.Data.PercentChange)
		}
	})

	t.Run("rejects an unknown period", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/wallet-1/change/5y", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown wallet is a 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/nope/change/1d", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}
