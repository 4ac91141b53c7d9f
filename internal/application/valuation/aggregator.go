// Package valuation computes portfolio totals from balance, market and rate
// snapshots. Everything here is pure: no I/O, no mutation of inputs, and no
// panics on missing or malformed per-item data — a holding that cannot be
// valued contributes zero and the computation continues.
package valuation

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

// roundDigits is the fixed output precision. Every numeric output, and the
// reconstructed-denominator guard, is rounded to this many decimal digits.
const roundDigits = 8

// one hundred, for percent arithmetic.
var hundred = decimal.NewFromInt(100)

// EnablementMap filters chains per CAIP namespace: EVM chains are looked up
// under "eip155" by their hex chain id, non-EVM chains under their own
// namespace by CAIP-2 id. A nil map enables everything.
type EnablementMap map[string]map[string]bool

// IsChainEnabled reports whether a chain participates in aggregation.
func IsChainEnabled(m EnablementMap, chainID string) bool {
	if m == nil {
		return true
	}
	chains, ok := m[entities.Namespace(chainID)]
	if !ok {
		return false
	}
	return chains[chainID]
}

// Snapshot is the immutable input of one aggregation pass.
type Snapshot struct {
	Balances map[entities.ChainID]entities.ChainBalances
	Registry entities.TokenRegistry
	Market   map[entities.ChainID]map[string]entities.MarketData
	Rates    entities.CurrencyRates

	// NativeCurrency names each chain's native currency symbol, which
	// selects the conversion rate for that chain's assets.
	NativeCurrency map[entities.ChainID]string

	// Non-EVM accounts carry formatted balances and user-currency rates
	// keyed by CAIP asset id.
	NonEvmBalances map[string]map[entities.CaipAssetID]entities.NonEvmBalance
	NonEvmRates    map[entities.CaipAssetID]entities.NonEvmConversionRate

	Enabled EnablementMap
}

// ValueOfEvmHolding converts one raw EVM balance into user-currency value:
// balance / 10^decimals * price * conversion rate. Decimals default to 18
// when absent or invalid. Missing token metadata, market price, or rate
// yields zero — never an error, never NaN.
func ValueOfEvmHolding(balance entities.HexBalance, token *entities.Token, market *entities.MarketData, rate *entities.CurrencyRate) decimal.Decimal {
	if token == nil || market == nil || market.Price == nil || rate == nil || rate.ConversionRate == nil {
		return decimal.Zero
	}

	raw, ok := balance.BigInt()
	if !ok {
		return decimal.Zero
	}

	decimals := token.Decimals
	if decimals <= 0 || decimals > 80 {
		decimals = 18
	}

	amount := decimal.NewFromBigInt(raw, -int32(decimals))
	return amount.Mul(*market.Price).Mul(*rate.ConversionRate)
}

// ValueOfNonEvmHolding converts a formatted non-EVM balance and a
// user-currency rate, both decimal strings, into value. Any parse failure
// yields zero.
func ValueOfNonEvmHolding(amount string, conversionRate string) decimal.Decimal {
	parsedAmount, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Zero
	}
	parsedRate, err := decimal.NewFromString(strings.TrimSpace(conversionRate))
	if err != nil {
		return decimal.Zero
	}
	return parsedAmount.Mul(parsedRate)
}

// GroupTotal is the aggregate for one account group.
type GroupTotal struct {
	GroupID      string          `json:"group_id"`
	Name         string          `json:"name"`
	AccountCount int             `json:"account_count"`
	Total        decimal.Decimal `json:"total"`
}

// WalletTotal is the aggregate for one wallet.
type WalletTotal struct {
	WalletID string          `json:"wallet_id"`
	Name     string          `json:"name"`
	Total    decimal.Decimal `json:"total"`
	Groups   []GroupTotal    `json:"groups"`
}

// AggregateWalletBalances fans out over wallet -> group -> account and sums
// each account's holdings into group and wallet totals. Groups with zero
// accounts are still present in the output with a zero total: groups are
// structural, not derived from having funds.
func AggregateWalletBalances(wallets []entities.Wallet, snap Snapshot) []WalletTotal {
	out := make([]WalletTotal, 0, len(wallets))
	for _, wallet := range wallets {
		walletTotal := WalletTotal{
			WalletID: wallet.ID,
			Name:     wallet.Name,
			Total:    decimal.Zero,
			Groups:   make([]GroupTotal, 0, len(wallet.Groups)),
		}

		for _, group := range wallet.Groups {
			groupTotal := GroupTotal{
				GroupID:      group.ID,
				Name:         group.Name,
				AccountCount: len(group.Accounts),
				Total:        decimal.Zero,
			}
			for _, account := range group.Accounts {
				groupTotal.Total = groupTotal.Total.Add(accountValue(account, snap))
			}
			walletTotal.Total = walletTotal.Total.Add(groupTotal.Total)
			walletTotal.Groups = append(walletTotal.Groups, groupTotal)
		}

		out = append(out, walletTotal)
	}
	return out
}

func accountValue(account entities.Account, snap Snapshot) decimal.Decimal {
	if account.Type == entities.AccountTypeNonEVM {
		return nonEvmAccountValue(account, snap)
	}
	return evmAccountValue(account, snap)
}

func evmAccountValue(account entities.Account, snap Snapshot) decimal.Decimal {
	total := decimal.Zero
	address := strings.ToLower(account.Address)

	for chainID, chainBalances := range snap.Balances {
		if !IsChainEnabled(snap.Enabled, string(chainID)) {
			continue
		}
		held, ok := chainBalances[address]
		if !ok {
			continue
		}

		rate := rateForChain(chainID, snap)
		for tokenAddr, balance := range held {
			token := tokenForAddress(chainID, tokenAddr, snap)
			market := marketForAddress(chainID, tokenAddr, snap)
			total = total.Add(ValueOfEvmHolding(balance, token, market, rate))
		}
	}
	return total
}

func nonEvmAccountValue(account entities.Account, snap Snapshot) decimal.Decimal {
	total := decimal.Zero
	for assetID, balance := range snap.NonEvmBalances[account.ID] {
		if !IsChainEnabled(snap.Enabled, assetID.ChainPart()) {
			continue
		}
		rate, ok := snap.NonEvmRates[assetID]
		if !ok {
			continue
		}
		total = total.Add(ValueOfNonEvmHolding(balance.Amount, rate.Rate))
	}
	return total
}

// PeriodChange is the period-over-period view of a wallet: both totals, the
// absolute change and the relative change, each rounded to 8 decimal digits.
// Only holdings carrying both a price and a percent-change figure for the
// period contribute; everything else contributes zero to both sides.
type PeriodChange struct {
	Period        entities.Period `json:"period"`
	CurrentTotal  decimal.Decimal `json:"current_total"`
	PreviousTotal decimal.Decimal `json:"previous_total"`
	AmountChange  decimal.Decimal `json:"amount_change"`
	PercentChange decimal.Decimal `json:"percent_change"`
}

// ComputePeriodChange reconstructs a wallet's historical value for one period
// from current values and percent-change data:
//
//	previous = current / (1 + percentChange/100)
//
// The denominator is rounded to 8 digits before the division; if it rounds to
// exactly zero (a -100% change) the holding is skipped, contributing 0/0.
func ComputePeriodChange(period entities.Period, wallet entities.Wallet, snap Snapshot) PeriodChange {
	current := decimal.Zero
	previous := decimal.Zero

	for _, group := range wallet.Groups {
		for _, account := range group.Accounts {
			c, p := accountPeriodValues(period, account, snap)
			current = current.Add(c)
			previous = previous.Add(p)
		}
	}

	current = current.Round(roundDigits)
	previous = previous.Round(roundDigits)

	amountChange := current.Sub(previous)
	percentChange := decimal.Zero
	if !previous.IsZero() {
		percentChange = amountChange.Div(previous).Mul(hundred).Round(roundDigits)
	}

	return PeriodChange{
		Period:        period,
		CurrentTotal:  current,
		PreviousTotal: previous,
		AmountChange:  amountChange.Round(roundDigits),
		PercentChange: percentChange,
	}
}

func accountPeriodValues(period entities.Period, account entities.Account, snap Snapshot) (decimal.Decimal, decimal.Decimal) {
	if account.Type == entities.AccountTypeNonEVM {
		return nonEvmPeriodValues(period, account, snap)
	}
	return evmPeriodValues(period, account, snap)
}

func evmPeriodValues(period entities.Period, account entities.Account, snap Snapshot) (decimal.Decimal, decimal.Decimal) {
	current := decimal.Zero
	previous := decimal.Zero
	address := strings.ToLower(account.Address)

	for chainID, chainBalances := range snap.Balances {
		if !IsChainEnabled(snap.Enabled, string(chainID)) {
			continue
		}
		held, ok := chainBalances[address]
		if !ok {
			continue
		}

		rate := rateForChain(chainID, snap)
		for tokenAddr, balance := range held {
			market := marketForAddress(chainID, tokenAddr, snap)
			pct := market.PercentChange(period)
			if market == nil || market.Price == nil || pct == nil {
				continue
			}

			value := ValueOfEvmHolding(balance, tokenForAddress(chainID, tokenAddr, snap), market, rate)
			prev, ok := reconstructPreviousValue(value, *pct)
			if !ok {
				continue
			}
			current = current.Add(value)
			previous = previous.Add(prev)
		}
	}
	return current, previous
}

func nonEvmPeriodValues(period entities.Period, account entities.Account, snap Snapshot) (decimal.Decimal, decimal.Decimal) {
	current := decimal.Zero
	previous := decimal.Zero

	for assetID, balance := range snap.NonEvmBalances[account.ID] {
		if !IsChainEnabled(snap.Enabled, assetID.ChainPart()) {
			continue
		}
		rate, ok := snap.NonEvmRates[assetID]
		if !ok || rate.MarketData == nil {
			continue
		}
		// Non-EVM change data is keyed by ISO duration ("P1D"...).
		pctRaw, ok := rate.MarketData.PricePercentChange[period.ISODuration()]
		if !ok {
			continue
		}
		pct, err := decimal.NewFromString(pctRaw)
		if err != nil {
			continue
		}

		value := ValueOfNonEvmHolding(balance.Amount, rate.Rate)
		prev, ok := reconstructPreviousValue(value, pct)
		if !ok {
			continue
		}
		current = current.Add(value)
		previous = previous.Add(prev)
	}
	return current, previous
}

// reconstructPreviousValue derives the period-start value from the current
// value and the percent change since then. Returns ok=false when the rounded
// denominator is exactly zero, which would otherwise divide by zero.
func reconstructPreviousValue(current decimal.Decimal, percentChange decimal.Decimal) (decimal.Decimal, bool) {
	denominator := decimal.New(1, 0).Add(percentChange.Div(hundred)).Round(roundDigits)
	if denominator.IsZero() {
		return decimal.Zero, false
	}
	return current.Div(denominator).Round(roundDigits), true
}

func rateForChain(chainID entities.ChainID, snap Snapshot) *entities.CurrencyRate {
	currency, ok := snap.NativeCurrency[chainID]
	if !ok {
		return nil
	}
	rate, ok := snap.Rates[strings.ToLower(currency)]
	if !ok {
		return nil
	}
	return &rate
}

func tokenForAddress(chainID entities.ChainID, tokenAddr string, snap Snapshot) *entities.Token {
	if tokenAddr == entities.ZeroAddress {
		// Native coins have no registry entry; 18 decimals by convention.
		return &entities.Token{Address: tokenAddr, Decimals: 18}
	}
	tokens := snap.Registry.TokensForChain(chainID)
	token, ok := tokens[tokenAddr]
	if !ok {
		return nil
	}
	return &token
}

func marketForAddress(chainID entities.ChainID, tokenAddr string, snap Snapshot) *entities.MarketData {
	chain, ok := snap.Market[chainID]
	if !ok {
		return nil
	}
	record, ok := chain[tokenAddr]
	if !ok {
		return nil
	}
	return &record
}
