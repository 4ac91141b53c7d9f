package repositories

import (
	"context"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

// Topic identifies a class of state-change notification.
type Topic string

const (
	TopicBalances      Topic = "balances"
	TopicMarketData    Topic = "market-data"
	TopicCurrencyRates Topic = "currency-rates"
	TopicTokenRegistry Topic = "token-registry"
	TopicAccounts      Topic = "accounts"
	TopicChains        Topic = "chains"
)

// ChangeEvent describes one committed state change. ChainID is set for
// chain-scoped topics, empty otherwise.
type ChangeEvent struct {
	Topic   Topic
	ChainID entities.ChainID
}

// StateStore is the shared state collaborator. Writes are key-scoped merges:
// a write names the exact chains/accounts/tokens it replaces and leaves every
// other key untouched, so unrelated writers never clobber each other. The
// engine never performs a blind full overwrite.
type StateStore interface {
	// GetChainBalances returns the stored balances for one chain. The
	// returned map is a snapshot the caller may retain and diff against.
	GetChainBalances(ctx context.Context, chainID entities.ChainID) (entities.ChainBalances, error)

	// MergeChainBalances replaces only the (account, token) entries present
	// in updates. Empty updates are a no-op and must not notify.
	MergeChainBalances(ctx context.Context, chainID entities.ChainID, updates entities.ChainBalances) error

	// DeleteChainBalances drops every stored balance for a chain.
	DeleteChainBalances(ctx context.Context, chainID entities.ChainID) error

	// DeleteAccountBalances drops one account's balances across all chains.
	DeleteAccountBalances(ctx context.Context, account string) error

	// GetMarketData returns the stored market records for one chain keyed
	// by lowercase token address.
	GetMarketData(ctx context.Context, chainID entities.ChainID) (map[string]entities.MarketData, error)

	// MergeMarketData replaces only the token entries present in updates.
	MergeMarketData(ctx context.Context, chainID entities.ChainID, updates map[string]entities.MarketData) error

	// GetCurrencyRates returns the native-to-display currency rates.
	GetCurrencyRates(ctx context.Context) (entities.CurrencyRates, error)

	// MergeCurrencyRates replaces only the currencies present in updates.
	MergeCurrencyRates(ctx context.Context, updates entities.CurrencyRates) error

	// GetTokenRegistry returns the known tokens for one chain.
	GetTokenRegistry(ctx context.Context, chainID entities.ChainID) (map[string]entities.Token, error)

	// Subscribe registers a change observer and returns an unsubscribe
	// function. Observers run synchronously after a commit; they must not
	// block.
	Subscribe(topic Topic, fn func(ChangeEvent)) (unsubscribe func())
}
