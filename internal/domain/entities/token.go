package entities

// Token is an entry in the per-chain token registry: either added explicitly
// by the user or discovered by auto-detection. Registry entries are inputs to
// the balance reader and the aggregator; this engine never mutates them.
type Token struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	// Detected marks tokens found by auto-detection rather than added by
	// the user. Both kinds are queried for balances.
	Detected bool `json:"detected,omitempty"`
}

// TokenRegistry holds the known tokens per chain, keyed by lowercase address.
type TokenRegistry map[ChainID]map[string]Token

// TokensForChain returns the registry entries for one chain.
func (r TokenRegistry) TokensForChain(chainID ChainID) map[string]Token {
	return r[NewChainID(string(chainID))]
}
