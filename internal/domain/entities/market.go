package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketData holds the priced view of one asset in a reference currency.
// Price and the percent-change fields are independently optional: a record may
// carry a price with no change data or vice versa. Consumers must treat a nil
// field as "exclude this asset from that computation", never as zero.
type MarketData struct {
	// TokenAddress is the lowercase address the record was fetched under.
	TokenAddress string `json:"tokenAddress"`
	// Currency is the reference currency of Price (usually the chain's
	// native currency).
	Currency string `json:"currency"`

	Price *decimal.Decimal `json:"price,omitempty"`

	MarketCap         *decimal.Decimal `json:"marketCap,omitempty"`
	TotalVolume       *decimal.Decimal `json:"totalVolume,omitempty"`
	AllTimeHigh       *decimal.Decimal `json:"allTimeHigh,omitempty"`
	AllTimeLow        *decimal.Decimal `json:"allTimeLow,omitempty"`
	CirculatingSupply *decimal.Decimal `json:"circulatingSupply,omitempty"`

	PricePercentChange1h   *decimal.Decimal `json:"pricePercentChange1h,omitempty"`
	PricePercentChange1d   *decimal.Decimal `json:"pricePercentChange1d,omitempty"`
	PricePercentChange7d   *decimal.Decimal `json:"pricePercentChange7d,omitempty"`
	PricePercentChange14d  *decimal.Decimal `json:"pricePercentChange14d,omitempty"`
	PricePercentChange30d  *decimal.Decimal `json:"pricePercentChange30d,omitempty"`
	PricePercentChange200d *decimal.Decimal `json:"pricePercentChange200d,omitempty"`
	PricePercentChange1y   *decimal.Decimal `json:"pricePercentChange1y,omitempty"`
}

// Equal reports whether two records carry the same values. Used to suppress
// no-op state writes when a refresh re-reads unchanged upstream data.
func (m MarketData) Equal(other MarketData) bool {
	return m.TokenAddress == other.TokenAddress &&
		m.Currency == other.Currency &&
		decimalPtrEqual(m.Price, other.Price) &&
		decimalPtrEqual(m.MarketCap, other.MarketCap) &&
		decimalPtrEqual(m.TotalVolume, other.TotalVolume) &&
		decimalPtrEqual(m.AllTimeHigh, other.AllTimeHigh) &&
		decimalPtrEqual(m.AllTimeLow, other.AllTimeLow) &&
		decimalPtrEqual(m.CirculatingSupply, other.CirculatingSupply) &&
		decimalPtrEqual(m.PricePercentChange1h, other.PricePercentChange1h) &&
		decimalPtrEqual(m.PricePercentChange1d, other.PricePercentChange1d) &&
		decimalPtrEqual(m.PricePercentChange7d, other.PricePercentChange7d) &&
		decimalPtrEqual(m.PricePercentChange14d, other.PricePercentChange14d) &&
		decimalPtrEqual(m.PricePercentChange30d, other.PricePercentChange30d) &&
		decimalPtrEqual(m.PricePercentChange200d, other.PricePercentChange200d) &&
		decimalPtrEqual(m.PricePercentChange1y, other.PricePercentChange1y)
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Period is a valuation look-back window.
type Period string

const (
	Period1D  Period = "1d"
	Period7D  Period = "7d"
	Period30D Period = "30d"
)

// PercentChange returns the change figure for a period, nil when the record
// carries no data for that window.
func (m *MarketData) PercentChange(period Period) *decimal.Decimal {
	if m == nil {
		return nil
	}
	switch period {
	case Period1D:
		return m.PricePercentChange1d
	case Period7D:
		return m.PricePercentChange7d
	case Period30D:
		return m.PricePercentChange30d
	}
	return nil
}

// ISODuration maps a period onto the ISO-8601-style duration keys non-EVM
// market snapshots are keyed by.
func (p Period) ISODuration() string {
	switch p {
	case Period1D:
		return "P1D"
	case Period7D:
		return "P7D"
	case Period30D:
		return "P30D"
	}
	return ""
}

// ChainMarketData maps lowercase token address -> market record per chain.
type ChainMarketData map[ChainID]map[string]MarketData

// CurrencyRate converts a chain's native currency into the user's display
// currency. Final user-currency value = amount * price * ConversionRate.
type CurrencyRate struct {
	ConversionRate    *decimal.Decimal `json:"conversionRate"`
	UsdConversionRate *decimal.Decimal `json:"usdConversionRate,omitempty"`
	ConversionDate    time.Time        `json:"conversionDate"`
}

// Equal ignores ConversionDate: two rates carrying the same values are the
// same rate even when fetched at different times.
func (r CurrencyRate) Equal(other CurrencyRate) bool {
	return decimalPtrEqual(r.ConversionRate, other.ConversionRate) &&
		decimalPtrEqual(r.UsdConversionRate, other.UsdConversionRate)
}

// CurrencyRates maps native currency symbol (lowercase) -> rate record.
type CurrencyRates map[string]CurrencyRate

// NonEvmConversionRate prices a non-EVM asset directly in the user currency.
// Rate and the per-duration change map use decimal strings; malformed values
// are excluded at the aggregation boundary.
type NonEvmConversionRate struct {
	Rate string `json:"rate"`
	// MarketData carries percent-change figures keyed by ISO duration
	// ("P1D", "P7D", "P30D"); optional.
	MarketData *NonEvmMarketData `json:"marketData,omitempty"`
}

// NonEvmMarketData is the market detail block of a non-EVM rate record.
type NonEvmMarketData struct {
	PricePercentChange map[string]string `json:"pricePercentChange,omitempty"`
}
