// Package testutil provides shared mocks and fixtures for tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

type MockCall struct {
	Method string
	Args   []interface{}
}

// MockAccountDirectory is a mock implementation of AccountDirectory
type MockAccountDirectory struct {
	mu       sync.RWMutex
	wallets  []entities.Wallet
	accounts []entities.Account

	// Function hooks for custom behavior
	ListWalletsFunc     func(ctx context.Context) ([]entities.Wallet, error)
	ListEvmAccountsFunc func(ctx context.Context, primaryOnly bool) ([]entities.Account, error)

	// Call tracking
	Calls []MockCall
}

func NewMockAccountDirectory() *MockAccountDirectory {
	return &MockAccountDirectory{
		Calls: make([]MockCall, 0),
	}
}

// SetWallets seeds the directory's wallet hierarchy.
func (m *MockAccountDirectory) SetWallets(wallets []entities.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets = wallets
}

// SetAccounts seeds the directory's flat EVM account list. The first account
// is treated as the primary one.
func (m *MockAccountDirectory) SetAccounts(accounts []entities.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = accounts
}

func (m *MockAccountDirectory) ListWallets(ctx context.Context) ([]entities.Wallet, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "ListWallets"})
	m.mu.Unlock()

	if m.ListWalletsFunc != nil {
		return m.ListWalletsFunc(ctx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]entities.Wallet(nil), m.wallets...), nil
}

func (m *MockAccountDirectory) ListEvmAccounts(ctx context.Context, primaryOnly bool) ([]entities.Account, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "ListEvmAccounts", Args: []interface{}{primaryOnly}})
	m.mu.Unlock()

	if m.ListEvmAccountsFunc != nil {
		return m.ListEvmAccountsFunc(ctx, primaryOnly)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if primaryOnly && len(m.accounts) > 0 {
		return []entities.Account{m.accounts[0]}, nil
	}
	return append([]entities.Account(nil), m.accounts...), nil
}

// MockPriceFetcher is a mock implementation of the price source surface
type MockPriceFetcher struct {
	mu sync.Mutex

	// Function hooks for custom behavior
	FetchTokenPricesFunc   func(ctx context.Context, assets []entities.AssetID, currency string) (map[entities.AssetID]entities.MarketData, error)
	FetchExchangeRatesFunc func(ctx context.Context, baseCurrency string, includeUsd bool, cryptocurrencies []string) (entities.CurrencyRates, error)

	// Call tracking
	Calls []MockCall
}

func NewMockPriceFetcher() *MockPriceFetcher {
	return &MockPriceFetcher{
		Calls: make([]MockCall, 0),
	}
}

func (m *MockPriceFetcher) FetchTokenPrices(ctx context.Context, assets []entities.AssetID, currency string) (map[entities.AssetID]entities.MarketData, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "FetchTokenPrices", Args: []interface{}{assets, currency}})
	m.mu.Unlock()

	if m.FetchTokenPricesFunc != nil {
		return m.FetchTokenPricesFunc(ctx, assets, currency)
	}
	return map[entities.AssetID]entities.MarketData{}, nil
}

func (m *MockPriceFetcher) FetchExchangeRates(ctx context.Context, baseCurrency string, includeUsd bool, cryptocurrencies []string) (entities.CurrencyRates, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "FetchExchangeRates", Args: []interface{}{baseCurrency, includeUsd, cryptocurrencies}})
	m.mu.Unlock()

	if m.FetchExchangeRatesFunc != nil {
		return m.FetchExchangeRatesFunc(ctx, baseCurrency, includeUsd, cryptocurrencies)
	}
	return entities.CurrencyRates{}, nil
}

// CallCount returns how many times a method was invoked.
func (m *MockPriceFetcher) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, call := range m.Calls {
		if call.Method == method {
			count++
		}
	}
	return count
}

// MockHealthChecker is a mock implementation of HealthChecker
type MockHealthChecker struct {
	mu sync.RWMutex

	Healthy bool
	Error   error
	Calls   []MockCall
}

func NewMockHealthChecker(healthy bool) *MockHealthChecker {
	var err error
	if !healthy {
		err = errors.New("health check failed")
	}
	return &MockHealthChecker{
		Healthy: healthy,
		Error:   err,
		Calls:   make([]MockCall, 0),
	}
}

func (m *MockHealthChecker) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "HealthCheck", Args: nil})
	m.mu.Unlock()

	return m.Error
}

func (m *MockHealthChecker) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Healthy = healthy
	if healthy {
		m.Error = nil
	} else {
		m.Error = errors.New("health check failed")
	}
}
