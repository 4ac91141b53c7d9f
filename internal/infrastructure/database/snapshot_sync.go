package database

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/domain/repositories"
	"github.com/walletkit/asset-valuation/internal/infrastructure/statestore"
)

// persistTimeout bounds each write-behind database operation.
const persistTimeout = 10 * time.Second

// SnapshotSync keeps the Postgres snapshot in step with the in-memory state
// store: Restore warm-starts the store at boot, Start subscribes to commits
// and writes them behind.
type SnapshotSync struct {
	repo   *SnapshotRepo
	store  *statestore.MemoryStore
	logger *zap.Logger

	unsubs []func()
}

// NewSnapshotSync creates a new snapshot synchronizer
func NewSnapshotSync(repo *SnapshotRepo, store *statestore.MemoryStore, logger *zap.Logger) *SnapshotSync {
	return &SnapshotSync{
		repo:   repo,
		store:  store,
		logger: logger,
	}
}

// Restore loads persisted balances and the token registry into the store.
// Call before the refresh services start so the first diff runs against the
// last known state instead of an empty map.
func (s *SnapshotSync) Restore(ctx context.Context) error {
	registry, err := s.repo.LoadTokens(ctx)
	if err != nil {
		return err
	}
	for chainID, tokens := range registry {
		s.store.SetTokenRegistry(chainID, tokens)
	}

	balances, err := s.repo.LoadBalances(ctx)
	if err != nil {
		return err
	}
	for chainID, chainBalances := range balances {
		if err := s.store.MergeChainBalances(ctx, chainID, chainBalances); err != nil {
			return err
		}
	}

	s.logger.Info("Restored state snapshot",
		zap.Int("chains", len(balances)),
		zap.Int("registry_chains", len(registry)),
	)
	return nil
}

// Start subscribes to store commits. Observers must not block, so the
// database writes run in goroutines.
func (s *SnapshotSync) Start() {
	s.unsubs = append(s.unsubs, s.store.Subscribe(repositories.TopicBalances, func(e repositories.ChangeEvent) {
		go s.persistBalances(e)
	}))
	s.unsubs = append(s.unsubs, s.store.Subscribe(repositories.TopicTokenRegistry, func(e repositories.ChangeEvent) {
		go s.persistRegistry(e)
	}))
}

// Stop unsubscribes from store commits.
func (s *SnapshotSync) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
}

func (s *SnapshotSync) persistBalances(e repositories.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	balances, err := s.store.GetChainBalances(ctx, e.ChainID)
	if err != nil {
		s.logger.Warn("Failed to read balances for persistence", zap.Error(err))
		return
	}

	if err := s.repo.ReplaceBalances(ctx, e.ChainID, balances); err != nil {
		s.logger.Warn("Failed to persist balances",
			zap.String("chain_id", string(e.ChainID)),
			zap.Error(err),
		)
	}
}

func (s *SnapshotSync) persistRegistry(e repositories.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	tokens, err := s.store.GetTokenRegistry(ctx, e.ChainID)
	if err != nil {
		s.logger.Warn("Failed to read registry for persistence", zap.Error(err))
		return
	}

	if err := s.repo.ReplaceTokens(ctx, e.ChainID, tokens); err != nil {
		s.logger.Warn("Failed to persist registry",
			zap.String("chain_id", string(e.ChainID)),
			zap.Error(err),
		)
	}
}
