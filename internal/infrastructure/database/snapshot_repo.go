package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

// SnapshotRepo persists balance snapshots and the token registry so the
// in-memory state store can warm-start after a restart. It expects two tables,
// managed by out-of-band migrations:
//
//	balance_snapshots(chain_id, account, token_address, balance, updated_at,
//	                  PRIMARY KEY (chain_id, account, token_address))
//	registry_tokens(chain_id, address, name, symbol, decimals, detected,
//	                PRIMARY KEY (chain_id, address))
type SnapshotRepo struct {
	db *sqlx.DB
}

// NewSnapshotRepo creates a new snapshot repository
func NewSnapshotRepo(db *sqlx.DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

type balanceRow struct {
	ChainID      string `db:"chain_id"`
	Account      string `db:"account"`
	TokenAddress string `db:"token_address"`
	Balance      string `db:"balance"`
}

type tokenRow struct {
	ChainID  string `db:"chain_id"`
	Address  string `db:"address"`
	Name     string `db:"name"`
	Symbol   string `db:"symbol"`
	Decimals int    `db:"decimals"`
	Detected bool   `db:"detected"`
}

// ReplaceBalances mirrors one chain's full balance snapshot. Rows absent from
// the snapshot are removed, so account and chain deletions propagate too.
func (r *SnapshotRepo) ReplaceBalances(ctx context.Context, chainID entities.ChainID, balances entities.ChainBalances) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM balance_snapshots WHERE chain_id = $1`, string(chainID)); err != nil {
		return fmt.Errorf("failed to clear balances: %w", err)
	}

	query := `
		INSERT INTO balance_snapshots (chain_id, account, token_address, balance)
		VALUES ($1, $2, $3, $4)
	`
	for account, tokens := range balances {
		for tokenAddr, balance := range tokens {
			if _, err := tx.ExecContext(ctx, query, string(chainID), account, tokenAddr, string(balance)); err != nil {
				return fmt.Errorf("failed to insert balance: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit balances: %w", err)
	}
	return nil
}

// LoadBalances reads every persisted balance, grouped by chain.
func (r *SnapshotRepo) LoadBalances(ctx context.Context) (map[entities.ChainID]entities.ChainBalances, error) {
	var rows []balanceRow
	query := `SELECT chain_id, account, token_address, balance FROM balance_snapshots`

	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}

	out := make(map[entities.ChainID]entities.ChainBalances)
	for _, row := range rows {
		chainID := entities.NewChainID(row.ChainID)
		if out[chainID] == nil {
			out[chainID] = make(entities.ChainBalances)
		}
		if out[chainID][row.Account] == nil {
			out[chainID][row.Account] = make(entities.AccountBalances)
		}
		out[chainID][row.Account][row.TokenAddress] = entities.HexBalance(row.Balance)
	}
	return out, nil
}

// ReplaceTokens replaces one chain's persisted token registry.
func (r *SnapshotRepo) ReplaceTokens(ctx context.Context, chainID entities.ChainID, tokens map[string]entities.Token) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM registry_tokens WHERE chain_id = $1`, string(chainID)); err != nil {
		return fmt.Errorf("failed to clear registry: %w", err)
	}

	query := `
		INSERT INTO registry_tokens (chain_id, address, name, symbol, decimals, detected)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for addr, token := range tokens {
		if _, err := tx.ExecContext(ctx, query,
			string(chainID), addr, token.Name, token.Symbol, token.Decimals, token.Detected,
		); err != nil {
			return fmt.Errorf("failed to insert registry token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registry: %w", err)
	}
	return nil
}

// LoadTokens reads the persisted token registry for every chain.
func (r *SnapshotRepo) LoadTokens(ctx context.Context) (entities.TokenRegistry, error) {
	var rows []tokenRow
	query := `SELECT chain_id, address, name, symbol, decimals, detected FROM registry_tokens`

	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	out := make(entities.TokenRegistry)
	for _, row := range rows {
		chainID := entities.NewChainID(row.ChainID)
		if out[chainID] == nil {
			out[chainID] = make(map[string]entities.Token)
		}
		out[chainID][row.Address] = entities.Token{
			Address:  row.Address,
			Name:     row.Name,
			Symbol:   row.Symbol,
			Decimals: row.Decimals,
			Detected: row.Detected,
		}
	}
	return out, nil
}
