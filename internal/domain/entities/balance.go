package entities

import (
	"math/big"
	"strings"
)

// HexBalance is a raw integer token balance encoded as a 0x-prefixed hex
// string. Balances are kept in this exact-precision form end to end; they are
// only converted to decimals at the valuation boundary, never to floats.
type HexBalance string

// NewHexBalance encodes a big integer as a canonical lowercase hex balance.
func NewHexBalance(v *big.Int) HexBalance {
	if v == nil {
		return "0x0"
	}
	return HexBalance("0x" + v.Text(16))
}

// BigInt decodes the balance. The second return is false for malformed input;
// callers treat that as "no data", never as zero.
func (b HexBalance) BigInt() (*big.Int, bool) {
	s := strings.TrimPrefix(strings.ToLower(string(b)), "0x")
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 16)
	return v, ok
}

// AccountBalances maps lowercase token address -> raw balance for one account
// on one chain.
type AccountBalances map[string]HexBalance

// ChainBalances maps lowercase account address -> token balances for one chain.
type ChainBalances map[string]AccountBalances

// Clone deep-copies the chain balance map so callers can diff against a
// stable snapshot.
func (c ChainBalances) Clone() ChainBalances {
	out := make(ChainBalances, len(c))
	for account, tokens := range c {
		copied := make(AccountBalances, len(tokens))
		for token, balance := range tokens {
			copied[token] = balance
		}
		out[account] = copied
	}
	return out
}

// NonEvmBalance is a balance held by a non-EVM account, already denominated in
// whole asset units as a decimal string (non-EVM snapshots arrive formatted).
type NonEvmBalance struct {
	Amount string `json:"amount"`
	Unit   string `json:"unit"`
}
