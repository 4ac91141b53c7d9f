package entities

import (
	"fmt"
	"strconv"
	"strings"
)

// NamespaceEVM is the CAIP-2 namespace shared by every EVM chain.
const NamespaceEVM = "eip155"

// ZeroAddress is the sentinel token address representing a chain's native asset.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// ChainID is a 0x-prefixed hex EVM chain identifier (e.g. "0x1" for mainnet).
type ChainID string

// NewChainID normalizes a raw chain id string to its canonical lowercase form.
func NewChainID(raw string) ChainID {
	return ChainID(strings.ToLower(raw))
}

// Decimal returns the chain id as a decimal string ("0x89" -> "137").
func (c ChainID) Decimal() (string, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(string(c), "0x"), 16, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chain id %q: %w", c, err)
	}
	return strconv.FormatUint(v, 10), nil
}

// CaipChainID returns the CAIP-2 identifier for an EVM chain ("eip155:1").
func (c ChainID) CaipChainID() string {
	dec, err := c.Decimal()
	if err != nil {
		return NamespaceEVM + ":" + string(c)
	}
	return NamespaceEVM + ":" + dec
}

// Namespace extracts the CAIP namespace from a chain-namespaced identifier.
// EVM hex chain ids map to "eip155"; CAIP-style ids ("solana:5eyk...") return
// the part before the first colon.
func Namespace(id string) string {
	if strings.HasPrefix(id, "0x") {
		return NamespaceEVM
	}
	if i := strings.Index(id, ":"); i > 0 {
		return id[:i]
	}
	return id
}

// AssetID identifies a fungible asset on an EVM chain. The address is
// lowercased at construction so it is safe to use as a map key; native coins
// use the zero-address sentinel (with per-chain overrides, see
// NativeTokenAddress).
type AssetID struct {
	ChainID ChainID
	Address string
}

// NewAssetID builds a canonical asset identifier.
func NewAssetID(chainID ChainID, address string) AssetID {
	return AssetID{
		ChainID: NewChainID(string(chainID)),
		Address: strings.ToLower(address),
	}
}

// NativeAssetID returns the identifier of a chain's native coin.
func NativeAssetID(chainID ChainID) AssetID {
	return NewAssetID(chainID, ZeroAddress)
}

// IsNative reports whether the asset is the chain's native coin.
func (a AssetID) IsNative() bool {
	return a.Address == ZeroAddress
}

// String renders the identifier as "chainId/address".
func (a AssetID) String() string {
	return string(a.ChainID) + "/" + a.Address
}

// nativeTokenAddressOverrides maps chains whose native asset is priced under a
// chain-specific contract address rather than the zero-address sentinel.
var nativeTokenAddressOverrides = map[ChainID]string{
	// Polygon prices POL under the MATIC precompile address.
	NewChainID("0x89"): "0x0000000000000000000000000000000000001010",
}

// NativeTokenAddress resolves the address the price source uses for a chain's
// native asset: the per-chain override when one exists, the zero-address
// sentinel otherwise.
func NativeTokenAddress(chainID ChainID) string {
	if addr, ok := nativeTokenAddressOverrides[NewChainID(string(chainID))]; ok {
		return addr
	}
	return ZeroAddress
}

// nativeCurrencySymbols names each chain's native currency for exchange-rate
// lookups. Chains not listed here settle in ETH (L2s and testnets mostly).
var nativeCurrencySymbols = map[ChainID]string{
	NewChainID("0x38"):   "bnb",
	NewChainID("0x89"):   "pol",
	NewChainID("0xa86a"): "avax",
}

// NativeCurrencySymbol returns the lowercase symbol of a chain's native
// currency.
func NativeCurrencySymbol(chainID ChainID) string {
	if symbol, ok := nativeCurrencySymbols[NewChainID(string(chainID))]; ok {
		return symbol
	}
	return "eth"
}

// CaipAssetID is a chain-namespaced asset identifier for non-EVM assets,
// e.g. "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp/token:EPjFW...". Lowercasing
// does not apply: non-EVM references are case-sensitive.
type CaipAssetID string

// ChainPart returns the CAIP-2 chain portion of the asset id (everything
// before the first "/"), or the whole id if no asset reference is present.
func (c CaipAssetID) ChainPart() string {
	if i := strings.Index(string(c), "/"); i > 0 {
		return string(c)[:i]
	}
	return string(c)
}

// Namespace returns the CAIP namespace of the asset ("solana", "bip122", ...).
func (c CaipAssetID) Namespace() string {
	return Namespace(c.ChainPart())
}
