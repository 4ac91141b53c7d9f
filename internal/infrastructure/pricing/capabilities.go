package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

// Hardcoded capability fallbacks, used whenever the capability endpoints are
// unreachable or return an unrecognized shape. Kept in sync with the chains
// the newest endpoint version ships support for.
var (
	fallbackChains = []entities.ChainID{
		"0x1",     // Ethereum
		"0xa",     // Optimism
		"0x38",    // BSC
		"0x89",    // Polygon
		"0x2105",  // Base
		"0xa4b1",  // Arbitrum One
		"0xa86a",  // Avalanche C-Chain
		"0xe708",  // Linea
		"0x144",   // zkSync Era
	}

	fallbackCurrencies = []string{
		"usd", "eur", "gbp", "jpy", "aud", "cad", "chf", "cny", "inr",
		"krw", "brl", "rub", "try", "btc", "eth",
	}
)

// chainSnapshot is a time-stamped capability list.
type chainSnapshot struct {
	chains    []entities.ChainID
	fetchedAt time.Time
}

type currencySnapshot struct {
	currencies []string
	fetchedAt  time.Time
}

// supportedNetworksResponse is the capability endpoint payload. Chains are
// reported as decimal ids, split into fully and partially supported sets.
type supportedNetworksResponse struct {
	FullSupport    []int64 `json:"fullNetworkSupport"`
	PartialSupport []int64 `json:"partialNetworkSupport"`
}

// CapabilityCache owns the supported-chain and supported-currency snapshots.
// Reads are always synchronous: fresh snapshot, stale snapshot, or compiled-in
// fallback, in that order of preference. Refreshes run in the background and
// are deduplicated across concurrent callers.
type CapabilityCache struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration
	logger     *zap.Logger

	mu         sync.RWMutex
	chains     *chainSnapshot
	currencies *currencySnapshot
	started    bool

	group singleflight.Group
}

// NewCapabilityCache creates a capability cache against the given API base URL.
func NewCapabilityCache(baseURL string, httpClient *http.Client, ttl time.Duration, logger *zap.Logger) *CapabilityCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CapabilityCache{
		baseURL:    baseURL,
		httpClient: httpClient,
		ttl:        ttl,
		logger:     logger,
	}
}

// SupportedChains returns the supported chain list without blocking. The
// first call per process lifetime kicks off a background refresh.
func (c *CapabilityCache) SupportedChains() []entities.ChainID {
	c.ensureBackgroundRefresh()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.chains != nil {
		return c.chains.chains
	}
	return fallbackChains
}

// SupportedCurrencies returns the supported fiat/crypto currency codes
// without blocking.
func (c *CapabilityCache) SupportedCurrencies() []string {
	c.ensureBackgroundRefresh()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.currencies != nil {
		return c.currencies.currencies
	}
	return fallbackCurrencies
}

// IsChainSupported reports whether the newest endpoint version can price
// assets on the chain.
func (c *CapabilityCache) IsChainSupported(chainID entities.ChainID) bool {
	want := entities.NewChainID(string(chainID))
	for _, id := range c.SupportedChains() {
		if id == want {
			return true
		}
	}
	return false
}

// IsCurrencySupported reports whether a display currency can be requested.
func (c *CapabilityCache) IsCurrencySupported(currency string) bool {
	for _, cur := range c.SupportedCurrencies() {
		if strings.EqualFold(cur, currency) {
			return true
		}
	}
	return false
}

// Refresh fetches both capability lists, overwriting the cached snapshots on
// success. Concurrent callers share a single in-flight fetch.
func (c *CapabilityCache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("capabilities", func() (interface{}, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

// Reset drops the cached snapshots, falling back to the compiled-in lists
// until the next refresh. The first-use trigger is re-armed.
func (c *CapabilityCache) Reset() {
	c.mu.Lock()
	c.chains = nil
	c.currencies = nil
	c.started = false
	c.mu.Unlock()
}

// ensureBackgroundRefresh triggers a non-blocking refresh on first use, and
// again whenever the snapshot has outlived its TTL.
func (c *CapabilityCache) ensureBackgroundRefresh() {
	c.mu.Lock()
	stale := c.chains != nil && time.Since(c.chains.fetchedAt) > c.ttl
	if c.started && !stale {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		if err := c.Refresh(context.Background()); err != nil {
			c.logger.Warn("Capability refresh failed, serving fallback",
				zap.Error(err),
			)
		}
	}()
}

func (c *CapabilityCache) refresh(ctx context.Context) error {
	chains, chainErr := c.fetchSupportedChains(ctx)
	if chainErr == nil {
		c.mu.Lock()
		c.chains = &chainSnapshot{chains: chains, fetchedAt: time.Now()}
		c.mu.Unlock()
	}

	currencies, curErr := c.fetchSupportedCurrencies(ctx)
	if curErr == nil {
		c.mu.Lock()
		c.currencies = &currencySnapshot{currencies: currencies, fetchedAt: time.Now()}
		c.mu.Unlock()
	}

	if chainErr != nil {
		return chainErr
	}
	return curErr
}

func (c *CapabilityCache) fetchSupportedChains(ctx context.Context) ([]entities.ChainID, error) {
	var payload supportedNetworksResponse
	if err := c.getJSON(ctx, c.baseURL+"/v3/supportedNetworks", &payload); err != nil {
		return nil, err
	}
	if len(payload.FullSupport) == 0 && len(payload.PartialSupport) == 0 {
		return nil, fmt.Errorf("unrecognized supported-networks payload")
	}

	seen := make(map[entities.ChainID]struct{})
	chains := make([]entities.ChainID, 0, len(payload.FullSupport)+len(payload.PartialSupport))
	for _, dec := range append(payload.FullSupport, payload.PartialSupport...) {
		id := entities.NewChainID("0x" + strconv.FormatInt(dec, 16))
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		chains = append(chains, id)
	}
	return chains, nil
}

func (c *CapabilityCache) fetchSupportedCurrencies(ctx context.Context) ([]string, error) {
	var payload []string
	if err := c.getJSON(ctx, c.baseURL+"/v1/supportedVsCurrencies", &payload); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("unrecognized supported-currencies payload")
	}

	currencies := make([]string, len(payload))
	for i, cur := range payload {
		currencies[i] = strings.ToLower(cur)
	}
	return currencies, nil
}

func (c *CapabilityCache) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("capability request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("capability endpoint returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode capability payload: %w", err)
	}
	return nil
}
