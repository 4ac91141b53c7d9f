package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/config"
	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/domain/repositories"
	"github.com/walletkit/asset-valuation/internal/infrastructure/ethereum"
)

// ChainBalanceReader reads a batch of balances on one chain.
type ChainBalanceReader interface {
	ReadBalances(ctx context.Context, calls []ethereum.BalanceCall) []ethereum.BalanceResult
}

// BalanceReaderProvider resolves the reader for each active chain.
type BalanceReaderProvider interface {
	ReaderForChain(chainID entities.ChainID) (ChainBalanceReader, bool)
	Chains() []entities.ChainID
}

// PoolReaderProvider adapts an ethereum connection pool into a reader
// provider.
type PoolReaderProvider struct {
	Pool   *ethereum.Pool
	Logger *zap.Logger
}

func (p *PoolReaderProvider) ReaderForChain(chainID entities.ChainID) (ChainBalanceReader, bool) {
	client, ok := p.Pool.ForChain(chainID)
	if !ok {
		return nil, false
	}
	return ethereum.NewBalanceBatcher(client, p.Logger), true
}

func (p *PoolReaderProvider) Chains() []entities.ChainID {
	return p.Pool.Chains()
}

// BalanceService orchestrates balance refreshes. Each chain runs the cycle
// collect -> batch -> diff -> commit; cycles for different chains may overlap
// but each chain's cycle is serialized, and triggers arriving while a cycle is
// running are coalesced into a single follow-up run.
type BalanceService struct {
	readers   BalanceReaderProvider
	store     repositories.StateStore
	directory repositories.AccountDirectory
	config    config.EngineConfig
	logger    *zap.Logger

	prefMu   sync.RWMutex
	queryAll bool

	// runnerMu also guards runCtx: triggers may arrive before Start swaps
	// the background context for the daemon's.
	runnerMu sync.Mutex
	runners  map[entities.ChainID]*chainRunner
	runCtx   context.Context

	metricsMu sync.RWMutex
	metrics   BalanceMetrics

	stopCh chan struct{}
	wg     sync.WaitGroup
	unsubs []func()
}

// BalanceMetrics is a point-in-time snapshot of refresh progress.
type BalanceMetrics struct {
	RefreshCycles    int64
	EntriesCommitted int64
	CallErrors       int64
	LastRefreshTime  time.Time
}

// chainRunner serializes one chain's refresh cycles. A trigger while a cycle
// runs only sets pending; the running goroutine picks it up afterwards.
type chainRunner struct {
	mu      sync.Mutex
	running bool
	pending bool
}

// NewBalanceService creates a new balance refresh service
func NewBalanceService(
	readers BalanceReaderProvider,
	store repositories.StateStore,
	directory repositories.AccountDirectory,
	cfg config.EngineConfig,
	logger *zap.Logger,
) *BalanceService {
	return &BalanceService{
		readers:   readers,
		store:     store,
		directory: directory,
		config:    cfg,
		logger:    logger,
		queryAll:  cfg.QueryAllAccounts,
		runCtx:    context.Background(),
		runners:   make(map[entities.ChainID]*chainRunner),
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic polling and subscribes to registry changes.
func (s *BalanceService) Start(ctx context.Context) error {
	s.logger.Info("Starting balance service",
		zap.Int("chains", len(s.readers.Chains())),
		zap.Duration("poll_interval", s.config.BalancePollInterval),
	)

	s.runnerMu.Lock()
	s.runCtx = ctx
	s.runnerMu.Unlock()

	// A token added or removed on a chain invalidates that chain's call set.
	s.unsubs = append(s.unsubs, s.store.Subscribe(repositories.TopicTokenRegistry, func(e repositories.ChangeEvent) {
		s.TriggerChain(e.ChainID)
	}))

	s.wg.Add(1)
	go s.runPollLoop(ctx)

	return nil
}

// Stop gracefully stops the service and waits for in-flight cycles.
func (s *BalanceService) Stop() {
	s.logger.Info("Stopping balance service")
	for _, unsub := range s.unsubs {
		unsub()
	}
	close(s.stopCh)
	s.wg.Wait()
}

// GetMetrics returns current refresh metrics
func (s *BalanceService) GetMetrics() BalanceMetrics {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()
	return s.metrics
}

// SetQueryAllAccounts flips the account-scope preference. Widening the scope
// from the primary account to all accounts triggers an immediate refresh of
// every chain; narrowing does not, stale entries age out via pruning.
func (s *BalanceService) SetQueryAllAccounts(queryAll bool) {
	s.prefMu.Lock()
	widened := queryAll && !s.queryAll
	s.queryAll = queryAll
	s.prefMu.Unlock()

	if widened {
		s.TriggerAll()
	}
}

// HandleAccountRemoved prunes a removed account's balances on every chain.
// A direct delete, no re-fetch needed.
func (s *BalanceService) HandleAccountRemoved(ctx context.Context, address string) error {
	if err := s.store.DeleteAccountBalances(ctx, address); err != nil {
		return fmt.Errorf("failed to prune account balances: %w", err)
	}
	return nil
}

// HandleAccountAdded refreshes every chain so the new account's balances
// appear without waiting for the next poll.
func (s *BalanceService) HandleAccountAdded(ctx context.Context) {
	s.TriggerAll()
}

// HandleChainRemoved prunes a removed chain's balances.
func (s *BalanceService) HandleChainRemoved(ctx context.Context, chainID entities.ChainID) error {
	if err := s.store.DeleteChainBalances(ctx, chainID); err != nil {
		return fmt.Errorf("failed to prune chain balances: %w", err)
	}
	return nil
}

// TriggerAll requests a refresh of every active chain.
func (s *BalanceService) TriggerAll() {
	for _, chainID := range s.readers.Chains() {
		s.TriggerChain(chainID)
	}
}

// TriggerChain requests an asynchronous refresh of one chain. If a cycle for
// the chain is already running the trigger is coalesced: exactly one follow-up
// cycle runs after the current one settles, no matter how many triggers
// arrived meanwhile.
func (s *BalanceService) TriggerChain(chainID entities.ChainID) {
	chainID = entities.NewChainID(string(chainID))

	runner := s.runnerFor(chainID)
	runner.mu.Lock()
	if runner.running {
		runner.pending = true
		runner.mu.Unlock()
		return
	}
	runner.running = true
	runner.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if err := s.RefreshChain(s.refreshContext(), chainID); err != nil {
				s.logger.Error("Balance refresh failed",
					zap.String("chain_id", string(chainID)),
					zap.Error(err),
				)
			}

			runner.mu.Lock()
			if !runner.pending {
				runner.running = false
				runner.mu.Unlock()
				return
			}
			runner.pending = false
			runner.mu.Unlock()
		}
	}()
}

func (s *BalanceService) refreshContext() context.Context {
	s.runnerMu.Lock()
	defer s.runnerMu.Unlock()
	return s.runCtx
}

func (s *BalanceService) runnerFor(chainID entities.ChainID) *chainRunner {
	s.runnerMu.Lock()
	defer s.runnerMu.Unlock()

	runner, ok := s.runners[chainID]
	if !ok {
		runner = &chainRunner{}
		s.runners[chainID] = runner
	}
	return runner
}

func (s *BalanceService) runPollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.BalancePollInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.TriggerAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.TriggerAll()
		}
	}
}

// balanceKey addresses one (account, token) cell of a chain's balance map.
type balanceKey struct {
	account string
	token   string
}

// RefreshChain runs one synchronous refresh cycle for a chain. Failed
// individual calls keep their previously stored value; if nothing changed the
// cycle commits no write at all.
func (s *BalanceService) RefreshChain(ctx context.Context, chainID entities.ChainID) error {
	chainID = entities.NewChainID(string(chainID))

	reader, ok := s.readers.ReaderForChain(chainID)
	if !ok {
		return fmt.Errorf("no RPC client for chain %s", chainID)
	}

	// Collecting
	s.prefMu.RLock()
	queryAll := s.queryAll
	s.prefMu.RUnlock()

	accounts, err := s.directory.ListEvmAccounts(ctx, !queryAll)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	tokens, err := s.store.GetTokenRegistry(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to read token registry: %w", err)
	}

	calls := make([]ethereum.BalanceCall, 0, len(accounts)*(len(tokens)+1))
	keys := make([]balanceKey, 0, len(accounts)*(len(tokens)+1))
	for _, account := range accounts {
		accountAddr := common.HexToAddress(account.Address)
		lowered := strings.ToLower(account.Address)

		calls = append(calls, ethereum.BalanceCall{Account: accountAddr, Native: true})
		keys = append(keys, balanceKey{account: lowered, token: entities.ZeroAddress})

		for tokenAddr := range tokens {
			calls = append(calls, ethereum.BalanceCall{
				Account: accountAddr,
				Token:   common.HexToAddress(tokenAddr),
			})
			keys = append(keys, balanceKey{account: lowered, token: tokenAddr})
		}
	}

	if len(calls) == 0 {
		return nil
	}

	// Batching
	results := reader.ReadBalances(ctx, calls)

	// Diffing
	previous, err := s.store.GetChainBalances(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to read stored balances: %w", err)
	}

	updates := make(entities.ChainBalances)
	changed := 0
	failures := 0
	for i, result := range results {
		if result.Err != nil {
			// Keep the previously stored value for this cell.
			failures++
			s.logger.Debug("Balance call failed, keeping previous value",
				zap.String("chain_id", string(chainID)),
				zap.String("account", keys[i].account),
				zap.String("token", keys[i].token),
				zap.Error(result.Err),
			)
			continue
		}

		value := entities.NewHexBalance(result.Value)
		if stored, ok := previous[keys[i].account][keys[i].token]; ok && stored == value {
			continue
		}
		if updates[keys[i].account] == nil {
			updates[keys[i].account] = make(entities.AccountBalances)
		}
		updates[keys[i].account][keys[i].token] = value
		changed++
	}

	s.updateMetrics(int64(changed), int64(failures))

	// Committed
	if len(updates) == 0 {
		s.logger.Debug("No balance changes",
			zap.String("chain_id", string(chainID)),
			zap.Int("calls", len(calls)),
		)
		return nil
	}

	if err := s.store.MergeChainBalances(ctx, chainID, updates); err != nil {
		return fmt.Errorf("failed to commit balances: %w", err)
	}

	s.logger.Debug("Committed balance changes",
		zap.String("chain_id", string(chainID)),
		zap.Int("accounts", len(updates)),
	)
	return nil
}

func (s *BalanceService) updateMetrics(committed, errors int64) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.metrics.RefreshCycles++
	s.metrics.EntriesCommitted += committed
	s.metrics.CallErrors += errors
	s.metrics.LastRefreshTime = time.Now()
}
