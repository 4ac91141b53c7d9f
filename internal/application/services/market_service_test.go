package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/domain/repositories"
	"github.com/walletkit/asset-valuation/internal/infrastructure/statestore"
	"github.com/walletkit/asset-valuation/internal/testutil"
)

func TestMarketService_RefreshChainPrices(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches native and registry assets in the native currency", func(t *testing.T) {
		store := statestore.NewMemoryStore(zap.NewNop())
		store.SetTokenRegistry("0x1", map[string]entities.Token{
			testutil.USDTAddress: testutil.CreateTestToken(),
		})

		fetcher := testutil.NewMockPriceFetcher()
		var gotAssets []entities.AssetID
		var gotCurrency string
		fetcher.FetchTokenPricesFunc = func(ctx context.Context, assets []entities.AssetID, currency string) (map[entities.AssetID]entities.MarketData, error) {
			gotAssets = assets
			gotCurrency = currency
			return map[entities.AssetID]entities.MarketData{
				entities.NativeAssetID("0x1"):                    testutil.MarketDataWithPrice(entities.ZeroAddress, "1"),
				entities.NewAssetID("0x1", testutil.USDTAddress): testutil.MarketDataWithPrice(testutil.USDTAddress, "0.00033"),
			}, nil
		}

		service := NewMarketService(fetcher, store, []entities.ChainID{"0x1"}, testEngineConfig(), zap.NewNop())

		if err := service.RefreshChainPrices(ctx, "0x1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if gotCurrency != "eth" {
			t.Errorf("mainnet prices should be fetched in eth, got %q", gotCurrency)
		}
		if len(gotAssets) != 2 {
			t.Fatalf("expected native + 1 token, got %d assets", len(gotAssets))
		}
		if !gotAssets[0].IsNative() {
			t.Error("native asset should lead the request")
		}

		market, _ := store.GetMarketData(ctx, "0x1")
		if market[entities.ZeroAddress].Price == nil {
			t.Error("native record should be stored under the zero address")
		}
		if market[testutil.USDTAddress].Price == nil {
			t.Error("token record should be stored under its address")
		}
	})

	t.Run("identical records commit nothing on the second run", func(t *testing.T) {
		store := statestore.NewMemoryStore(zap.NewNop())

		fetcher := testutil.NewMockPriceFetcher()
		fetcher.FetchTokenPricesFunc = func(ctx context.Context, assets []entities.AssetID, currency string) (map[entities.AssetID]entities.MarketData, error) {
			return map[entities.AssetID]entities.MarketData{
				entities.NativeAssetID("0x1"): testutil.MarketDataWithPrice(entities.ZeroAddress, "1"),
			}, nil
		}

		writes := 0
		store.Subscribe(repositories.TopicMarketData, func(repositories.ChangeEvent) { writes++ })

		service := NewMarketService(fetcher, store, []entities.ChainID{"0x1"}, testEngineConfig(), zap.NewNop())
		service.RefreshChainPrices(ctx, "0x1")
		service.RefreshChainPrices(ctx, "0x1")

		if writes != 1 {
			t.Errorf("expected exactly 1 write, got %d", writes)
		}
	})

	t.Run("fetch failure propagates", func(t *testing.T) {
		store := statestore.NewMemoryStore(zap.NewNop())
		fetcher := testutil.NewMockPriceFetcher()
		fetcher.FetchTokenPricesFunc = func(ctx context.Context, assets []entities.AssetID, currency string) (map[entities.AssetID]entities.MarketData, error) {
			return nil, errors.New("upstream down")
		}

		service := NewMarketService(fetcher, store, []entities.ChainID{"0x1"}, testEngineConfig(), zap.NewNop())
		if err := service.RefreshChainPrices(ctx, "0x1"); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestMarketService_RefreshExchangeRates(t *testing.T) {
	ctx := context.Background()

	t.Run("requests each distinct native currency once", func(t *testing.T) {
		store := statestore.NewMemoryStore(zap.NewNop())

		fetcher := testutil.NewMockPriceFetcher()
		var gotBase string
		var gotCryptos []string
		fetcher.FetchExchangeRatesFunc = func(ctx context.Context, base string, includeUsd bool, cryptos []string) (entities.CurrencyRates, error) {
			gotBase = base
			gotCryptos = cryptos
			return entities.CurrencyRates{
				"eth": testutil.RateOf("3000"),
				"pol": testutil.RateOf("0.40"),
			}, nil
		}

		// 0x1 and 0xa both settle in eth; 0x89 in pol.
		service := NewMarketService(fetcher, store, []entities.ChainID{"0x1", "0xa", "0x89"}, testEngineConfig(), zap.NewNop())

		if err := service.RefreshExchangeRates(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if gotBase != "usd" {
			t.Errorf("expected base usd, got %q", gotBase)
		}
		if len(gotCryptos) != 2 || gotCryptos[0] != "eth" || gotCryptos[1] != "pol" {
			t.Errorf("expected deduplicated [eth pol], got %v", gotCryptos)
		}

		rates, _ := store.GetCurrencyRates(ctx)
		if rates["eth"].ConversionRate == nil {
			t.Error("eth rate should be stored")
		}
	})

	t.Run("rate equality ignores the fetch timestamp", func(t *testing.T) {
		store := statestore.NewMemoryStore(zap.NewNop())

		fetcher := testutil.NewMockPriceFetcher()
		fetcher.FetchExchangeRatesFunc = func(ctx context.Context, base string, includeUsd bool, cryptos []string) (entities.CurrencyRates, error) {
			rate := testutil.RateOf("3000")
			rate.ConversionDate = time.Now()
			return entities.CurrencyRates{"eth": rate}, nil
		}

		writes := 0
		store.Subscribe(repositories.TopicCurrencyRates, func(repositories.ChangeEvent) { writes++ })

		service := NewMarketService(fetcher, store, []entities.ChainID{"0x1"}, testEngineConfig(), zap.NewNop())
		service.RefreshExchangeRates(ctx)
		service.RefreshExchangeRates(ctx)

		if writes != 1 {
			t.Errorf("re-fetched identical rates must not rewrite, got %d writes", writes)
		}
	})

	t.Run("fetch failure propagates", func(t *testing.T) {
		store := statestore.NewMemoryStore(zap.NewNop())
		fetcher := testutil.NewMockPriceFetcher()
		fetcher.FetchExchangeRatesFunc = func(ctx context.Context, base string, includeUsd bool, cryptos []string) (entities.CurrencyRates, error) {
			return nil, errors.New("upstream down")
		}

		service := NewMarketService(fetcher, store, []entities.ChainID{"0x1"}, testEngineConfig(), zap.NewNop())
		if err := service.RefreshExchangeRates(ctx); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestMarketService_RefreshAll(t *testing.T) {
	ctx := context.Background()

	t.Run("one failing chain does not stop the others", func(t *testing.T) {
		store := statestore.NewMemoryStore(zap.NewNop())

		fetcher := testutil.NewMockPriceFetcher()
		fetcher.FetchTokenPricesFunc = func(ctx context.Context, assets []entities.AssetID, currency string) (map[entities.AssetID]entities.MarketData, error) {
			if len(assets) > 0 && assets[0].ChainID == "0x1" {
				return nil, errors.New("upstream down")
			}
			return map[entities.AssetID]entities.MarketData{
				entities.NativeAssetID("0x89"): testutil.MarketDataWithPrice(entities.ZeroAddress, "1"),
			}, nil
		}

		service := NewMarketService(fetcher, store, []entities.ChainID{"0x1", "0x89"}, testEngineConfig(), zap.NewNop())
		service.RefreshAll(ctx)

		market, _ := store.GetMarketData(ctx, "0x89")
		if len(market) != 1 {
			t.Errorf("healthy chain should still commit, got %d records", len(market))
		}
		if fetcher.CallCount("FetchExchangeRates") != 1 {
			t.Error("rates should still be refreshed after a chain failure")
		}
	})
}
