// Package ethereum reads on-chain token balances, batched through the
// Multicall3 contract with a per-call fallback.
package ethereum

import (
	"context"
	"fmt"
	"math/big"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

// Client wraps an ethclient connection for one chain.
type Client struct {
	client  *ethclient.Client
	chainID entities.ChainID
	logger  *zap.Logger
}

// Dial connects to an RPC endpoint and verifies it serves the expected chain.
func Dial(ctx context.Context, rpcURL string, chainID entities.ChainID, logger *zap.Logger) (*Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC node: %w", err)
	}

	remoteID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	dec, err := chainID.Decimal()
	if err != nil {
		client.Close()
		return nil, err
	}
	if remoteID.String() != dec {
		client.Close()
		return nil, fmt.Errorf("chain ID mismatch: expected %s, got %s", dec, remoteID)
	}

	logger.Info("Connected to RPC node",
		zap.String("rpc_url", rpcURL),
		zap.String("chain_id", string(chainID)),
	)

	return &Client{
		client:  client,
		chainID: chainID,
		logger:  logger,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.client.Close()
}

// ChainID returns the chain this client is connected to.
func (c *Client) ChainID() entities.ChainID {
	return c.chainID
}

// CallContract performs an eth_call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.client.CallContract(ctx, goethereum.CallMsg{
		To:   &to,
		Data: data,
	}, nil)
}

// BalanceAt reads a native coin balance directly.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.client.BalanceAt(ctx, account, nil)
}

// Pool holds one connected client per active chain.
type Pool struct {
	clients map[entities.ChainID]*Client
}

// NewPool dials every configured chain. Chains that fail to connect are
// skipped with a warning so one bad endpoint does not take down the rest.
func NewPool(ctx context.Context, rpcURLs map[entities.ChainID]string, logger *zap.Logger) *Pool {
	clients := make(map[entities.ChainID]*Client, len(rpcURLs))
	for chainID, rpcURL := range rpcURLs {
		client, err := Dial(ctx, rpcURL, chainID, logger)
		if err != nil {
			logger.Warn("Skipping chain, RPC connection failed",
				zap.String("chain_id", string(chainID)),
				zap.Error(err),
			)
			continue
		}
		clients[chainID] = client
	}
	return &Pool{clients: clients}
}

// ForChain returns the client for a chain, if one is connected.
func (p *Pool) ForChain(chainID entities.ChainID) (*Client, bool) {
	client, ok := p.clients[entities.NewChainID(string(chainID))]
	return client, ok
}

// Chains lists the connected chains.
func (p *Pool) Chains() []entities.ChainID {
	chains := make([]entities.ChainID, 0, len(p.clients))
	for chainID := range p.clients {
		chains = append(chains, chainID)
	}
	return chains
}

// Close closes every connection in the pool.
func (p *Pool) Close() {
	for _, client := range p.clients {
		client.Close()
	}
}
