// Package pricing adapts the versioned spot-price and exchange-rate REST
// endpoints into the engine's canonical asset identifiers and records.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/infrastructure/resilience"
)

// ErrNoRatesFound is returned when an exchange-rate response contains none of
// the requested cryptocurrencies. Silently returning empty would hide an
// integration break, so this is an explicit failure.
var ErrNoRatesFound = errors.New("none of the requested cryptocurrencies found in exchange-rate response")

// noMarketPairMessage is the upstream's known-negative business response for
// a pair it has no market for. It maps to an empty result, not an error.
const noMarketPairMessage = "market does not exist for this coin pair"


// timeNow is swapped out in tests.
var timeNow = time.Now

// Client queries the price API. Assets on chains the newest endpoint version
// does not support are excluded from results rather than retried against a
// legacy version, so "absent" uniformly means "no data available".
type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     *resilience.Policy
	caps       *CapabilityCache
	logger     *zap.Logger
}

// NewClient creates a price API client. The fetch policy is shared by every
// concurrent caller of this instance.
func NewClient(baseURL string, httpClient *http.Client, policy *resilience.Policy, caps *CapabilityCache, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		policy:     policy,
		caps:       caps,
		logger:     logger,
	}
}

// spotPriceRecord is the decoded per-token payload of the spot-prices
// endpoint. All fields are optional; a token present with a null price is
// indistinguishable from an absent token to callers.
type spotPriceRecord struct {
	Price             *decimal.Decimal `json:"price"`
	MarketCap         *decimal.Decimal `json:"marketCap"`
	TotalVolume       *decimal.Decimal `json:"totalVolume"`
	AllTimeHigh       *decimal.Decimal `json:"allTimeHigh"`
	AllTimeLow        *decimal.Decimal `json:"allTimeLow"`
	CirculatingSupply *decimal.Decimal `json:"circulatingSupply"`

	PricePercentChange1h   *decimal.Decimal `json:"pricePercentChange1h"`
	PricePercentChange1d   *decimal.Decimal `json:"pricePercentChange1d"`
	PricePercentChange7d   *decimal.Decimal `json:"pricePercentChange7d"`
	PricePercentChange14d  *decimal.Decimal `json:"pricePercentChange14d"`
	PricePercentChange30d  *decimal.Decimal `json:"pricePercentChange30d"`
	PricePercentChange200d *decimal.Decimal `json:"pricePercentChange200d"`
	PricePercentChange1y   *decimal.Decimal `json:"pricePercentChange1y"`
}

func (r *spotPriceRecord) toMarketData(tokenAddress, currency string) entities.MarketData {
	return entities.MarketData{
		TokenAddress:           tokenAddress,
		Currency:               currency,
		Price:                  r.Price,
		MarketCap:              r.MarketCap,
		TotalVolume:            r.TotalVolume,
		AllTimeHigh:            r.AllTimeHigh,
		AllTimeLow:             r.AllTimeLow,
		CirculatingSupply:      r.CirculatingSupply,
		PricePercentChange1h:   r.PricePercentChange1h,
		PricePercentChange1d:   r.PricePercentChange1d,
		PricePercentChange7d:   r.PricePercentChange7d,
		PricePercentChange14d:  r.PricePercentChange14d,
		PricePercentChange30d:  r.PricePercentChange30d,
		PricePercentChange200d: r.PricePercentChange200d,
		PricePercentChange1y:   r.PricePercentChange1y,
	}
}

// FetchTokenPrices fetches spot prices for the requested assets in one
// currency. Native-coin sentinel addresses are mapped through the per-chain
// override table before the request and mapped back in the result. Assets on
// unsupported chains, and assets the response omits or prices as null, are
// silently dropped: callers must treat "not present" as "no data", never as
// zero.
func (c *Client) FetchTokenPrices(ctx context.Context, assets []entities.AssetID, currency string) (map[entities.AssetID]entities.MarketData, error) {
	currency = strings.ToLower(currency)

	supported := make(map[entities.ChainID][]entities.AssetID)
	for _, asset := range assets {
		if !c.caps.IsChainSupported(asset.ChainID) {
			c.logger.Debug("Dropping asset on unsupported chain",
				zap.String("chain_id", string(asset.ChainID)),
				zap.String("address", asset.Address),
			)
			continue
		}
		supported[asset.ChainID] = append(supported[asset.ChainID], asset)
	}

	results := make(map[entities.AssetID]entities.MarketData)
	for chainID, chainAssets := range supported {
		prices, err := c.fetchChainPrices(ctx, chainID, chainAssets, currency)
		if err != nil {
			return nil, err
		}
		for id, record := range prices {
			results[id] = record
		}
	}
	return results, nil
}

func (c *Client) fetchChainPrices(ctx context.Context, chainID entities.ChainID, assets []entities.AssetID, currency string) (map[entities.AssetID]entities.MarketData, error) {
	// Request addresses in query order; natives resolve through the
	// override table so the response key can be mapped back to the
	// sentinel identifier.
	requested := make(map[string]entities.AssetID, len(assets))
	addresses := make([]string, 0, len(assets))
	for _, asset := range assets {
		addr := asset.Address
		if asset.IsNative() {
			addr = strings.ToLower(entities.NativeTokenAddress(chainID))
		}
		if _, ok := requested[addr]; ok {
			continue
		}
		requested[addr] = asset
		addresses = append(addresses, addr)
	}
	if len(addresses) == 0 {
		return nil, nil
	}

	dec, err := chainID.Decimal()
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("chainId", dec)
	query.Set("tokenAddresses", strings.Join(addresses, ","))
	query.Set("vsCurrency", currency)
	query.Set("includeMarketData", "true")
	endpoint := c.baseURL + "/v3/spot-prices?" + query.Encode()

	payload, err := resilience.Execute(ctx, c.policy, func(ctx context.Context) (map[string]*spotPriceRecord, error) {
		var out map[string]*spotPriceRecord
		if err := c.getJSON(ctx, endpoint, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot prices for chain %s: %w", chainID, err)
	}

	results := make(map[entities.AssetID]entities.MarketData)
	for addr, record := range payload {
		asset, ok := requested[strings.ToLower(addr)]
		if !ok {
			continue
		}
		if record == nil || record.Price == nil {
			// Present-but-null is "no data available", same as absent.
			continue
		}
		results[asset] = record.toMarketData(asset.Address, currency)
	}
	return results, nil
}

// exchangeRateEntry is the decoded per-currency payload of the exchange-rate
// endpoint.
type exchangeRateEntry struct {
	Name  string           `json:"name"`
	Value *decimal.Decimal `json:"value"`
}

// errorBody is the upstream's error envelope, used to recognize the known
// negative "no market" business response.
type errorBody struct {
	Error string `json:"error"`
}

// FetchExchangeRates fetches conversion rates for the given cryptocurrencies
// in baseCurrency, optionally annotated with a parallel USD rate. A failed
// primary fetch fails the whole operation; a failed USD side only drops the
// annotation. A response containing none of the requested cryptocurrencies
// is ErrNoRatesFound.
func (c *Client) FetchExchangeRates(ctx context.Context, baseCurrency string, includeUsd bool, cryptocurrencies []string) (entities.CurrencyRates, error) {
	baseCurrency = strings.ToLower(baseCurrency)

	primary, err := c.fetchRates(ctx, baseCurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange rates in %s: %w", baseCurrency, err)
	}
	if primary.noMarket {
		// Known negative: the upstream has no market, which is an empty
		// result rather than an integration break.
		return entities.CurrencyRates{}, nil
	}

	var usd map[string]exchangeRateEntry
	if includeUsd && baseCurrency != "usd" {
		usdResult, usdErr := c.fetchRates(ctx, "usd")
		if usdErr != nil {
			c.logger.Warn("USD exchange-rate fetch failed, returning rates without USD annotation",
				zap.Error(usdErr),
			)
		} else if !usdResult.noMarket {
			usd = usdResult.entries
		}
	} else if includeUsd {
		usd = primary.entries
	}

	rates := make(entities.CurrencyRates)
	now := timeNow()
	for _, crypto := range cryptocurrencies {
		key := strings.ToLower(crypto)
		entry, ok := primary.entries[key]
		if !ok || entry.Value == nil {
			continue
		}
		rate := entities.CurrencyRate{
			ConversionRate: entry.Value,
			ConversionDate: now,
		}
		if usdEntry, ok := usd[key]; ok && usdEntry.Value != nil {
			rate.UsdConversionRate = usdEntry.Value
		}
		rates[key] = rate
	}

	if len(rates) == 0 && len(cryptocurrencies) > 0 {
		return nil, ErrNoRatesFound
	}
	return rates, nil
}

// ratesResult separates "valid but known-negative" from a transport failure
// so the former never counts against the fetch policy's circuit.
type ratesResult struct {
	entries  map[string]exchangeRateEntry
	noMarket bool
}

func (c *Client) fetchRates(ctx context.Context, baseCurrency string) (ratesResult, error) {
	endpoint := c.baseURL + "/v2/exchange-rates?baseCurrency=" + url.QueryEscape(baseCurrency)

	return resilience.Execute(ctx, c.policy, func(ctx context.Context) (ratesResult, error) {
		body, err := c.get(ctx, endpoint)
		if err != nil {
			return ratesResult{}, err
		}

		// Recognize the known-negative business response before
		// treating the payload as a rate map.
		var negative errorBody
		if json.Unmarshal(body, &negative) == nil && negative.Error != "" {
			if strings.Contains(strings.ToLower(negative.Error), noMarketPairMessage) {
				return ratesResult{noMarket: true}, nil
			}
			return ratesResult{}, fmt.Errorf("exchange-rate endpoint error: %s", negative.Error)
		}

		raw := make(map[string]exchangeRateEntry)
		if err := json.Unmarshal(body, &raw); err != nil {
			return ratesResult{}, fmt.Errorf("failed to decode exchange-rate payload: %w", err)
		}

		rates := make(map[string]exchangeRateEntry, len(raw))
		for key, entry := range raw {
			rates[strings.ToLower(key)] = entry
		}
		return ratesResult{entries: rates}, nil
	})
}

// ValidateChainIDSupported reports whether the chain can be priced. Always
// synchronous; answered from the capability cache or its fallback.
func (c *Client) ValidateChainIDSupported(chainID entities.ChainID) bool {
	return c.caps.IsChainSupported(chainID)
}

// ValidateCurrencySupported reports whether the display currency can be
// requested. Always synchronous.
func (c *Client) ValidateCurrencySupported(currency string) bool {
	return c.caps.IsCurrencySupported(currency)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode price payload: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read price response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price endpoint returned status %d", resp.StatusCode)
	}
	return body, nil
}
