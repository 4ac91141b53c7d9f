package repositories

import (
	"context"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

// AccountDirectory is the read-only account/wallet collaborator. The
// directory owns the wallet -> group -> account hierarchy; this engine only
// reads it to fan out balance queries and valuation aggregates.
type AccountDirectory interface {
	// ListWallets returns every wallet with its full group hierarchy.
	ListWallets(ctx context.Context) ([]entities.Wallet, error)

	// ListEvmAccounts returns the EVM account addresses to query. When
	// primaryOnly is set only the selected account is returned, otherwise
	// every known EVM account.
	ListEvmAccounts(ctx context.Context, primaryOnly bool) ([]entities.Account, error)
}
