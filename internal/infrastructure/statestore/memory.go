// Package statestore provides the in-memory implementation of the shared
// state collaborator.
package statestore

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/domain/repositories"
)

// MemoryStore keeps balances, market data, rates and the token registry in
// process memory. Every write is a key-scoped merge: only the named entries
// are replaced, so concurrent writers on unrelated keys never interfere.
// Subscribers are notified synchronously after each non-empty commit.
type MemoryStore struct {
	logger *zap.Logger

	mu       sync.RWMutex
	balances map[entities.ChainID]entities.ChainBalances
	market   map[entities.ChainID]map[string]entities.MarketData
	rates    entities.CurrencyRates
	registry entities.TokenRegistry

	subMu       sync.Mutex
	nextSubID   int
	subscribers map[repositories.Topic]map[int]func(repositories.ChangeEvent)
}

var _ repositories.StateStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger:      logger,
		balances:    make(map[entities.ChainID]entities.ChainBalances),
		market:      make(map[entities.ChainID]map[string]entities.MarketData),
		rates:       make(entities.CurrencyRates),
		registry:    make(entities.TokenRegistry),
		subscribers: make(map[repositories.Topic]map[int]func(repositories.ChangeEvent)),
	}
}

// GetChainBalances returns a snapshot copy of one chain's balances.
func (s *MemoryStore) GetChainBalances(ctx context.Context, chainID entities.ChainID) (entities.ChainBalances, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.balances[entities.NewChainID(string(chainID))]
	if !ok {
		return entities.ChainBalances{}, nil
	}
	return stored.Clone(), nil
}

// MergeChainBalances merges the given (account, token) entries into the
// chain's balance map. An empty update commits nothing and does not notify.
func (s *MemoryStore) MergeChainBalances(ctx context.Context, chainID entities.ChainID, updates entities.ChainBalances) error {
	if len(updates) == 0 {
		return nil
	}
	chainID = entities.NewChainID(string(chainID))

	s.mu.Lock()
	chain, ok := s.balances[chainID]
	if !ok {
		chain = make(entities.ChainBalances)
		s.balances[chainID] = chain
	}
	for account, tokens := range updates {
		stored, ok := chain[account]
		if !ok {
			stored = make(entities.AccountBalances)
			chain[account] = stored
		}
		for token, balance := range tokens {
			stored[token] = balance
		}
	}
	s.mu.Unlock()

	s.notify(repositories.ChangeEvent{Topic: repositories.TopicBalances, ChainID: chainID})
	return nil
}

// DeleteChainBalances drops a chain's balances entirely.
func (s *MemoryStore) DeleteChainBalances(ctx context.Context, chainID entities.ChainID) error {
	chainID = entities.NewChainID(string(chainID))

	s.mu.Lock()
	_, existed := s.balances[chainID]
	delete(s.balances, chainID)
	s.mu.Unlock()

	if existed {
		s.notify(repositories.ChangeEvent{Topic: repositories.TopicBalances, ChainID: chainID})
	}
	return nil
}

// DeleteAccountBalances drops one account's balances on every chain.
func (s *MemoryStore) DeleteAccountBalances(ctx context.Context, account string) error {
	account = toLowerAddress(account)

	s.mu.Lock()
	var touched []entities.ChainID
	for chainID, chain := range s.balances {
		if _, ok := chain[account]; ok {
			delete(chain, account)
			touched = append(touched, chainID)
		}
	}
	s.mu.Unlock()

	for _, chainID := range touched {
		s.notify(repositories.ChangeEvent{Topic: repositories.TopicBalances, ChainID: chainID})
	}
	return nil
}

// GetMarketData returns a snapshot copy of one chain's market records.
func (s *MemoryStore) GetMarketData(ctx context.Context, chainID entities.ChainID) (map[string]entities.MarketData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.market[entities.NewChainID(string(chainID))]
	if !ok {
		return map[string]entities.MarketData{}, nil
	}
	out := make(map[string]entities.MarketData, len(stored))
	for addr, record := range stored {
		out[addr] = record
	}
	return out, nil
}

// MergeMarketData merges per-token market records for one chain.
func (s *MemoryStore) MergeMarketData(ctx context.Context, chainID entities.ChainID, updates map[string]entities.MarketData) error {
	if len(updates) == 0 {
		return nil
	}
	chainID = entities.NewChainID(string(chainID))

	s.mu.Lock()
	chain, ok := s.market[chainID]
	if !ok {
		chain = make(map[string]entities.MarketData)
		s.market[chainID] = chain
	}
	for addr, record := range updates {
		chain[toLowerAddress(addr)] = record
	}
	s.mu.Unlock()

	s.notify(repositories.ChangeEvent{Topic: repositories.TopicMarketData, ChainID: chainID})
	return nil
}

// GetCurrencyRates returns a snapshot copy of the conversion rates.
func (s *MemoryStore) GetCurrencyRates(ctx context.Context) (entities.CurrencyRates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(entities.CurrencyRates, len(s.rates))
	for currency, rate := range s.rates {
		out[currency] = rate
	}
	return out, nil
}

// MergeCurrencyRates merges per-currency rate records.
func (s *MemoryStore) MergeCurrencyRates(ctx context.Context, updates entities.CurrencyRates) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	for currency, rate := range updates {
		s.rates[currency] = rate
	}
	s.mu.Unlock()

	s.notify(repositories.ChangeEvent{Topic: repositories.TopicCurrencyRates})
	return nil
}

// GetTokenRegistry returns the known tokens for one chain.
func (s *MemoryStore) GetTokenRegistry(ctx context.Context, chainID entities.ChainID) (map[string]entities.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.registry.TokensForChain(chainID)
	out := make(map[string]entities.Token, len(stored))
	for addr, token := range stored {
		out[addr] = token
	}
	return out, nil
}

// SetTokenRegistry replaces one chain's token list. This is the write surface
// of the external token-directory collaborator; it notifies registry
// subscribers so balance refreshes can react.
func (s *MemoryStore) SetTokenRegistry(chainID entities.ChainID, tokens map[string]entities.Token) {
	chainID = entities.NewChainID(string(chainID))

	normalized := make(map[string]entities.Token, len(tokens))
	for addr, token := range tokens {
		normalized[toLowerAddress(addr)] = token
	}

	s.mu.Lock()
	if s.registry[chainID] == nil {
		s.registry[chainID] = make(map[string]entities.Token)
	}
	s.registry[chainID] = normalized
	s.mu.Unlock()

	s.notify(repositories.ChangeEvent{Topic: repositories.TopicTokenRegistry, ChainID: chainID})
}

// Subscribe registers a synchronous change observer.
func (s *MemoryStore) Subscribe(topic repositories.Topic, fn func(repositories.ChangeEvent)) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscribers[topic] == nil {
		s.subscribers[topic] = make(map[int]func(repositories.ChangeEvent))
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[topic][id] = fn

	return func() {
		s.subMu.Lock()
		delete(s.subscribers[topic], id)
		s.subMu.Unlock()
	}
}

func (s *MemoryStore) notify(event repositories.ChangeEvent) {
	s.subMu.Lock()
	observers := make([]func(repositories.ChangeEvent), 0, len(s.subscribers[event.Topic]))
	for _, fn := range s.subscribers[event.Topic] {
		observers = append(observers, fn)
	}
	s.subMu.Unlock()

	for _, fn := range observers {
		fn(event)
	}
}

// Addresses are canonically lowercase throughout the store.
func toLowerAddress(addr string) string {
	return strings.ToLower(addr)
}
