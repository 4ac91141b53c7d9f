package testutil

import (
	"github.com/shopspring/decimal"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

// Common test addresses
const (
	USDTAddress  = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	USDCAddress  = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	AliceAddress = "0x1111111111111111111111111111111111111111"
	BobAddress   = "0x2222222222222222222222222222222222222222"
	CharlieAddr  = "0x3333333333333333333333333333333333333333"
)

// CreateTestToken creates a test token with default values
func CreateTestToken(opts ...TokenOption) entities.Token {
	t := entities.Token{
		Address:  USDTAddress,
		Name:     "Tether USD",
		Symbol:   "USDT",
		Decimals: 6,
	}

	for _, opt := range opts {
		opt(&t)
	}

	return t
}

type TokenOption func(*entities.Token)

func TokenWithAddress(addr string) TokenOption {
	return func(t *entities.Token) {
		t.Address = addr
	}
}

func TokenWithSymbol(symbol string) TokenOption {
	return func(t *entities.Token) {
		t.Symbol = symbol
	}
}

func TokenWithDecimals(dec int) TokenOption {
	return func(t *entities.Token) {
		t.Decimals = dec
	}
}

func TokenWithDetected(detected bool) TokenOption {
	return func(t *entities.Token) {
		t.Detected = detected
	}
}

// CreateTestWallet creates a single-group wallet holding the given accounts
func CreateTestWallet(id string, accounts ...entities.Account) entities.Wallet {
	return entities.Wallet{
		ID:   id,
		Name: "Wallet " + id,
		Groups: []entities.AccountGroup{
			{
				ID:       id + "-g1",
				Name:     "Default",
				Accounts: accounts,
			},
		},
	}
}

// CreateTestAccount creates an EVM account
func CreateTestAccount(id, address string) entities.Account {
	return entities.Account{
		ID:      id,
		Address: address,
		Type:    entities.AccountTypeEVM,
	}
}

// MarketDataWithPrice creates a market record carrying only a price
func MarketDataWithPrice(tokenAddress, price string) entities.MarketData {
	p := decimal.RequireFromString(price)
	return entities.MarketData{
		TokenAddress: tokenAddress,
		Price:        &p,
	}
}

// RateOf creates a currency rate record
func RateOf(rate string) entities.CurrencyRate {
	r := decimal.RequireFromString(rate)
	return entities.CurrencyRate{ConversionRate: &r}
}

// PointerTo returns a pointer to the given value
func PointerTo[T any](v T) *T {
	return &v
}
