package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/config"
	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/domain/repositories"
)

// PriceFetcher is the price source surface the market service depends on.
// *pricing.Client satisfies it.
type PriceFetcher interface {
	FetchTokenPrices(ctx context.Context, assets []entities.AssetID, currency string) (map[entities.AssetID]entities.MarketData, error)
	FetchExchangeRates(ctx context.Context, baseCurrency string, includeUsd bool, cryptocurrencies []string) (entities.CurrencyRates, error)
}

// MarketService polls the price source for token market data and currency
// conversion rates, and commits only changed records to the state store.
type MarketService struct {
	fetcher PriceFetcher
	store   repositories.StateStore
	chains  []entities.ChainID
	config  config.EngineConfig
	logger  *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMarketService creates a new market data service
func NewMarketService(
	fetcher PriceFetcher,
	store repositories.StateStore,
	chains []entities.ChainID,
	cfg config.EngineConfig,
	logger *zap.Logger,
) *MarketService {
	return &MarketService{
		fetcher: fetcher,
		store:   store,
		chains:  chains,
		config:  cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins periodic market data polling.
func (s *MarketService) Start(ctx context.Context) error {
	s.logger.Info("Starting market service",
		zap.Int("chains", len(s.chains)),
		zap.Duration("poll_interval", s.config.MarketPollInterval),
		zap.String("vs_currency", s.config.VsCurrency),
	)

	s.wg.Add(1)
	go s.runPollLoop(ctx)

	return nil
}

// Stop gracefully stops the service.
func (s *MarketService) Stop() {
	s.logger.Info("Stopping market service")
	close(s.stopCh)
	s.wg.Wait()
}

func (s *MarketService) runPollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MarketPollInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.RefreshAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RefreshAll(ctx)
		}
	}
}

// RefreshAll refreshes market data for every chain and then the currency
// rates. Per-chain failures are logged and do not stop the remaining chains.
func (s *MarketService) RefreshAll(ctx context.Context) {
	for _, chainID := range s.chains {
		if err := s.RefreshChainPrices(ctx, chainID); err != nil {
			s.logger.Error("Market data refresh failed",
				zap.String("chain_id", string(chainID)),
				zap.Error(err),
			)
		}
	}

	if err := s.RefreshExchangeRates(ctx); err != nil {
		s.logger.Error("Exchange rate refresh failed", zap.Error(err))
	}
}

// RefreshChainPrices fetches market records for one chain's native asset and
// registry tokens, priced in the chain's native currency, and merges only the
// records that actually changed.
func (s *MarketService) RefreshChainPrices(ctx context.Context, chainID entities.ChainID) error {
	chainID = entities.NewChainID(string(chainID))

	tokens, err := s.store.GetTokenRegistry(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to read token registry: %w", err)
	}

	assets := make([]entities.AssetID, 0, len(tokens)+1)
	assets = append(assets, entities.NativeAssetID(chainID))
	for tokenAddr := range tokens {
		assets = append(assets, entities.NewAssetID(chainID, tokenAddr))
	}

	fetched, err := s.fetcher.FetchTokenPrices(ctx, assets, entities.NativeCurrencySymbol(chainID))
	if err != nil {
		return fmt.Errorf("failed to fetch token prices: %w", err)
	}

	previous, err := s.store.GetMarketData(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to read stored market data: %w", err)
	}

	updates := make(map[string]entities.MarketData)
	for asset, record := range fetched {
		if stored, ok := previous[asset.Address]; ok && stored.Equal(record) {
			continue
		}
		updates[asset.Address] = record
	}

	if len(updates) == 0 {
		s.logger.Debug("No market data changes", zap.String("chain_id", string(chainID)))
		return nil
	}

	if err := s.store.MergeMarketData(ctx, chainID, updates); err != nil {
		return fmt.Errorf("failed to commit market data: %w", err)
	}

	s.logger.Debug("Committed market data changes",
		zap.String("chain_id", string(chainID)),
		zap.Int("records", len(updates)),
	)
	return nil
}

// RefreshExchangeRates fetches native-currency conversion rates for every
// active chain in the configured display currency and merges the changed
// entries. Rate equality ignores the fetch timestamp, so a refresh returning
// identical rates commits nothing.
func (s *MarketService) RefreshExchangeRates(ctx context.Context) error {
	rates, err := s.fetcher.FetchExchangeRates(ctx, s.config.VsCurrency, true, s.nativeCurrencies())
	if err != nil {
		return fmt.Errorf("failed to fetch exchange rates: %w", err)
	}

	previous, err := s.store.GetCurrencyRates(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stored rates: %w", err)
	}

	updates := make(entities.CurrencyRates)
	for currency, rate := range rates {
		if stored, ok := previous[currency]; ok && stored.Equal(rate) {
			continue
		}
		updates[currency] = rate
	}

	if len(updates) == 0 {
		s.logger.Debug("No exchange rate changes")
		return nil
	}

	if err := s.store.MergeCurrencyRates(ctx, updates); err != nil {
		return fmt.Errorf("failed to commit exchange rates: %w", err)
	}

	s.logger.Debug("Committed exchange rate changes", zap.Int("currencies", len(updates)))
	return nil
}

// nativeCurrencies lists the distinct native currency symbols of the active
// chains.
func (s *MarketService) nativeCurrencies() []string {
	seen := make(map[string]bool, len(s.chains))
	out := make([]string, 0, len(s.chains))
	for _, chainID := range s.chains {
		symbol := entities.NativeCurrencySymbol(chainID)
		if seen[symbol] {
			continue
		}
		seen[symbol] = true
		out = append(out, symbol)
	}
	return out
}
