// Package directory provides a configuration-backed AccountDirectory for
// deployments without an external wallet service.
package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/domain/repositories"
)

// StaticDirectory serves a fixed account list from configuration. All
// accounts live in one wallet with a single group; the first configured
// account is the primary one.
type StaticDirectory struct {
	accounts []entities.Account
}

var _ repositories.AccountDirectory = (*StaticDirectory)(nil)

// NewStaticDirectory builds a directory from configured addresses.
func NewStaticDirectory(addresses []string) *StaticDirectory {
	accounts := make([]entities.Account, 0, len(addresses))
	for i, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		accounts = append(accounts, entities.Account{
			ID:      fmt.Sprintf("account-%d", i+1),
			Address: strings.ToLower(addr),
			Type:    entities.AccountTypeEVM,
		})
	}
	return &StaticDirectory{accounts: accounts}
}

// ListWallets returns the single configured wallet.
func (d *StaticDirectory) ListWallets(ctx context.Context) ([]entities.Wallet, error) {
	return []entities.Wallet{
		{
			ID:   "default",
			Name: "Default",
			Groups: []entities.AccountGroup{
				{
					ID:       "default-g1",
					Name:     "Accounts",
					Accounts: append([]entities.Account(nil), d.accounts...),
				},
			},
		},
	}, nil
}

// ListEvmAccounts returns the configured accounts; with primaryOnly set, just
// the first one.
func (d *StaticDirectory) ListEvmAccounts(ctx context.Context, primaryOnly bool) ([]entities.Account, error) {
	if primaryOnly && len(d.accounts) > 0 {
		return []entities.Account{d.accounts[0]}, nil
	}
	return append([]entities.Account(nil), d.accounts...), nil
}
