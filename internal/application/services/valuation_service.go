package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/application/valuation"
	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/domain/repositories"
	"github.com/walletkit/asset-valuation/internal/infrastructure/cache"
)

// ValuationService assembles store snapshots and runs the aggregator over
// them. Responses are cached in Redis and invalidated whenever the underlying
// balances, market data or rates change.
type ValuationService struct {
	store     repositories.StateStore
	directory repositories.AccountDirectory
	cache     *cache.ValuationCache
	chains    []entities.ChainID
	logger    *zap.Logger

	unsubs []func()
}

// NewValuationService creates a new valuation service
func NewValuationService(
	store repositories.StateStore,
	directory repositories.AccountDirectory,
	redisCache *cache.ValuationCache,
	chains []entities.ChainID,
	logger *zap.Logger,
) *ValuationService {
	s := &ValuationService{
		store:     store,
		directory: directory,
		cache:     redisCache,
		chains:    chains,
		logger:    logger,
	}

	// Any committed state change makes cached valuations stale. Observers
	// run synchronously in the commit path, so the Redis work moves to a
	// goroutine.
	for _, topic := range []repositories.Topic{
		repositories.TopicBalances,
		repositories.TopicMarketData,
		repositories.TopicCurrencyRates,
	} {
		s.unsubs = append(s.unsubs, store.Subscribe(topic, func(repositories.ChangeEvent) {
			if s.cache != nil {
				go s.invalidateCache()
			}
		}))
	}

	return s
}

// Close unsubscribes the cache invalidation hooks.
func (s *ValuationService) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
}

// WalletValuationsResponse wraps wallet totals for API response
type WalletValuationsResponse struct {
	Data      []valuation.WalletTotal `json:"data"`
	UpdatedAt string                  `json:"updated_at"`
}

// PeriodChangeResponse wraps a period change for API response
type PeriodChangeResponse struct {
	WalletID  string                 `json:"wallet_id"`
	Data      valuation.PeriodChange `json:"data"`
	UpdatedAt string                 `json:"updated_at"`
}

// GetWalletValuations computes current totals for every wallet.
func (s *ValuationService) GetWalletValuations(ctx context.Context) (*WalletValuationsResponse, error) {
	cacheKey := cache.WalletsKey()

	// Try cache first
	var cached WalletValuationsResponse
	if s.cache != nil {
		if err := s.cache.GetResponse(ctx, cacheKey, &cached); err == nil {
			s.logger.Debug("Cache hit", zap.String("key", cacheKey))
			return &cached, nil
		}
	}

	wallets, err := s.directory.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	snap, err := s.buildSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	response := &WalletValuationsResponse{
		Data:      valuation.AggregateWalletBalances(wallets, snap),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if s.cache != nil {
		if err := s.cache.PutResponse(ctx, cacheKey, response); err != nil {
			s.logger.Warn("Failed to cache response", zap.Error(err))
		}
	}

	return response, nil
}

// GetPeriodChange computes one wallet's period-over-period change.
func (s *ValuationService) GetPeriodChange(ctx context.Context, walletID string, period entities.Period) (*PeriodChangeResponse, error) {
	cacheKey := cache.ChangeKey(walletID, period)

	// Try cache first
	var cached PeriodChangeResponse
	if s.cache != nil {
		if err := s.cache.GetResponse(ctx, cacheKey, &cached); err == nil {
			s.logger.Debug("Cache hit", zap.String("key", cacheKey))
			return &cached, nil
		}
	}

	wallets, err := s.directory.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	var wallet *entities.Wallet
	for i := range wallets {
		if wallets[i].ID == walletID {
			wallet = &wallets[i]
			break
		}
	}
	if wallet == nil {
		return nil, nil
	}

	snap, err := s.buildSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	response := &PeriodChangeResponse{
		WalletID:  walletID,
		Data:      valuation.ComputePeriodChange(period, *wallet, snap),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if s.cache != nil {
		if err := s.cache.PutResponse(ctx, cacheKey, response); err != nil {
			s.logger.Warn("Failed to cache response", zap.Error(err))
		}
	}

	return response, nil
}

// buildSnapshot reads a consistent-enough view of the store for one
// aggregation pass.
func (s *ValuationService) buildSnapshot(ctx context.Context) (valuation.Snapshot, error) {
	snap := valuation.Snapshot{
		Balances:       make(map[entities.ChainID]entities.ChainBalances, len(s.chains)),
		Registry:       make(entities.TokenRegistry, len(s.chains)),
		Market:         make(map[entities.ChainID]map[string]entities.MarketData, len(s.chains)),
		NativeCurrency: make(map[entities.ChainID]string, len(s.chains)),
	}

	for _, chainID := range s.chains {
		chainID = entities.NewChainID(string(chainID))

		balances, err := s.store.GetChainBalances(ctx, chainID)
		if err != nil {
			return valuation.Snapshot{}, fmt.Errorf("failed to read balances for %s: %w", chainID, err)
		}
		snap.Balances[chainID] = balances

		tokens, err := s.store.GetTokenRegistry(ctx, chainID)
		if err != nil {
			return valuation.Snapshot{}, fmt.Errorf("failed to read token registry for %s: %w", chainID, err)
		}
		snap.Registry[chainID] = tokens

		market, err := s.store.GetMarketData(ctx, chainID)
		if err != nil {
			return valuation.Snapshot{}, fmt.Errorf("failed to read market data for %s: %w", chainID, err)
		}
		snap.Market[chainID] = market

		snap.NativeCurrency[chainID] = entities.NativeCurrencySymbol(chainID)
	}

	rates, err := s.store.GetCurrencyRates(ctx)
	if err != nil {
		return valuation.Snapshot{}, fmt.Errorf("failed to read currency rates: %w", err)
	}
	snap.Rates = rates

	return snap, nil
}

func (s *ValuationService) invalidateCache() {
	if s.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.logger.Warn("Failed to invalidate valuation cache", zap.Error(err))
	}
}
