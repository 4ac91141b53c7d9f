package services

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/config"
	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/domain/repositories"
	"github.com/walletkit/asset-valuation/internal/infrastructure/ethereum"
	"github.com/walletkit/asset-valuation/internal/infrastructure/statestore"
	"github.com/walletkit/asset-valuation/internal/testutil"
)

type fakeReader struct {
	ReadBalancesFunc func(ctx context.Context, calls []ethereum.BalanceCall) []ethereum.BalanceResult
}

func (f *fakeReader) ReadBalances(ctx context.Context, calls []ethereum.BalanceCall) []ethereum.BalanceResult {
	return f.ReadBalancesFunc(ctx, calls)
}

type fakeProvider struct {
	readers map[entities.ChainID]ChainBalanceReader
}

func (p *fakeProvider) ReaderForChain(chainID entities.ChainID) (ChainBalanceReader, bool) {
	reader, ok := p.readers[chainID]
	return reader, ok
}

func (p *fakeProvider) Chains() []entities.ChainID {
	chains := make([]entities.ChainID, 0, len(p.readers))
	for chainID := range p.readers {
		chains = append(chains, chainID)
	}
	return chains
}

// constantReader answers every call with the same balance.
func constantReader(value int64) *fakeReader {
	return &fakeReader{
		ReadBalancesFunc: func(ctx context.Context, calls []ethereum.BalanceCall) []ethereum.BalanceResult {
			results := make([]ethereum.BalanceResult, len(calls))
			for i, call := range calls {
				results[i] = ethereum.BalanceResult{Call: call, Value: big.NewInt(value)}
			}
			return results
		},
	}
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		BalancePollInterval: time.Hour,
		MarketPollInterval:  time.Hour,
		VsCurrency:          "usd",
	}
}

func newBalanceFixture(t *testing.T, reader ChainBalanceReader) (*BalanceService, *statestore.MemoryStore, *testutil.MockAccountDirectory) {
	t.Helper()

	store := statestore.NewMemoryStore(zap.NewNop())
	directory := testutil.NewMockAccountDirectory()
	directory.SetAccounts([]entities.Account{
		testutil.CreateTestAccount("acc-1", testutil.AliceAddress),
	})

	provider := &fakeProvider{readers: map[entities.ChainID]ChainBalanceReader{"0x1": reader}}
	service := NewBalanceService(provider, store, directory, testEngineConfig(), zap.NewNop())
	return service, store, directory
}

func TestBalanceService_RefreshChain(t *testing.T) {
	ctx := context.Background()

	t.Run("commits native and token balances as hex", func(t *testing.T) {
		service, store, _ := newBalanceFixture(t, constantReader(100))
		store.SetTokenRegistry("0x1", map[string]entities.Token{
			testutil.USDTAddress: testutil.CreateTestToken(),
		})

		if err := service.RefreshChain(ctx, "0x1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		balances, _ := store.GetChainBalances(ctx, "0x1")
		held := balances[testutil.AliceAddress]
		if held[entities.ZeroAddress] != "0x64" {
			t.Errorf("expected native balance 0x64, got %s", held[entities.ZeroAddress])
		}
		if held[testutil.USDTAddress] != "0x64" {
			t.Errorf("expected token balance 0x64, got %s", held[testutil.USDTAddress])
		}
	})

	t.Run("identical data commits nothing on the second run", func(t *testing.T) {
		service, store, _ := newBalanceFixture(t, constantReader(100))

		writes := 0
		store.Subscribe(repositories.TopicBalances, func(repositories.ChangeEvent) { writes++ })

		if err := service.RefreshChain(ctx, "0x1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if writes != 1 {
			t.Fatalf("expected 1 write after first refresh, got %d", writes)
		}

		if err := service.RefreshChain(ctx, "0x1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if writes != 1 {
			t.Errorf("second refresh with identical data must commit nothing, got %d writes", writes)
		}
	})

	t.Run("failed call keeps the previously stored value", func(t *testing.T) {
		tokenErr := false
		reader := &fakeReader{
			ReadBalancesFunc: func(ctx context.Context, calls []ethereum.BalanceCall) []ethereum.BalanceResult {
				results := make([]ethereum.BalanceResult, len(calls))
				for i, call := range calls {
					if !call.Native && tokenErr {
						results[i] = ethereum.BalanceResult{Call: call, Err: errors.New("rpc timeout")}
						continue
					}
					results[i] = ethereum.BalanceResult{Call: call, Value: big.NewInt(7)}
				}
				return results
			},
		}

		service, store, _ := newBalanceFixture(t, reader)
		store.SetTokenRegistry("0x1", map[string]entities.Token{
			testutil.USDTAddress: testutil.CreateTestToken(),
		})

		if err := service.RefreshChain(ctx, "0x1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		tokenErr = true
		if err := service.RefreshChain(ctx, "0x1"); err != nil {
			t.Fatalf("a failed call must not fail the cycle: %v", err)
		}

		balances, _ := store.GetChainBalances(ctx, "0x1")
		if balances[testutil.AliceAddress][testutil.USDTAddress] != "0x7" {
			t.Errorf("failed call should keep the previous value, got %s",
				balances[testutil.AliceAddress][testutil.USDTAddress])
		}
	})

	t.Run("unknown chain is an error", func(t *testing.T) {
		service, _, _ := newBalanceFixture(t, constantReader(1))
		if err := service.RefreshChain(ctx, "0x999"); err == nil {
			t.Error("expected an error for a chain without an RPC client")
		}
	})

	t.Run("account scope follows the preference flag", func(t *testing.T) {
		service, _, directory := newBalanceFixture(t, constantReader(1))
		directory.SetAccounts([]entities.Account{
			testutil.CreateTestAccount("acc-1", testutil.AliceAddress),
			testutil.CreateTestAccount("acc-2", testutil.BobAddress),
		})

		var gotPrimaryOnly []bool
		directory.ListEvmAccountsFunc = func(ctx context.Context, primaryOnly bool) ([]entities.Account, error) {
			gotPrimaryOnly = append(gotPrimaryOnly, primaryOnly)
			return []entities.Account{testutil.CreateTestAccount("acc-1", testutil.AliceAddress)}, nil
		}

		service.RefreshChain(ctx, "0x1")
		service.SetQueryAllAccounts(true)
		service.RefreshChain(ctx, "0x1")

		if len(gotPrimaryOnly) < 2 || !gotPrimaryOnly[0] || gotPrimaryOnly[len(gotPrimaryOnly)-1] {
			t.Errorf("expected primary-only then all-accounts, got %v", gotPrimaryOnly)
		}
	})
}

func TestBalanceService_Coalescing(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	var cycles int32

	reader := &fakeReader{
		ReadBalancesFunc: func(ctx context.Context, calls []ethereum.BalanceCall) []ethereum.BalanceResult {
			atomic.AddInt32(&cycles, 1)
			started <- struct{}{}
			<-release

			results := make([]ethereum.BalanceResult, len(calls))
			for i, call := range calls {
				results[i] = ethereum.BalanceResult{Call: call, Value: big.NewInt(1)}
			}
			return results
		},
	}

	service, _, _ := newBalanceFixture(t, reader)

	service.TriggerChain("0x1")
	<-started

	// These arrive mid-cycle and must collapse into exactly one follow-up.
	service.TriggerChain("0x1")
	service.TriggerChain("0x1")
	service.TriggerChain("0x1")

	release <- struct{}{}
	<-started
	release <- struct{}{}

	select {
	case <-started:
		t.Fatal("coalesced triggers must produce a single follow-up cycle")
	case <-time.After(200 * time.Millisecond):
	}

	if got := atomic.LoadInt32(&cycles); got != 2 {
		t.Errorf("expected 2 cycles, got %d", got)
	}
}

func TestBalanceService_TriggerBeforeStart(t *testing.T) {
	ctx := context.Background()
	service, store, _ := newBalanceFixture(t, constantReader(9))

	// A trigger before Start runs under the background context; the cycle
	// must complete and be visible in the metrics.
	service.TriggerChain("0x1")

	waitFor(t, func() bool {
		balances, _ := store.GetChainBalances(ctx, "0x1")
		return balances[testutil.AliceAddress][entities.ZeroAddress] == "0x9"
	})

	m := service.GetMetrics()
	if m.RefreshCycles == 0 || m.LastRefreshTime.IsZero() {
		t.Errorf("expected metrics to record the cycle, got %+v", m)
	}
}

func TestBalanceService_Subscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, store, _ := newBalanceFixture(t, constantReader(55))

	if err := service.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer service.Stop()

	// A registry change must trigger a re-fetch that now covers the token.
	store.SetTokenRegistry("0x1", map[string]entities.Token{
		testutil.USDTAddress: testutil.CreateTestToken(),
	})

	waitFor(t, func() bool {
		balances, _ := store.GetChainBalances(ctx, "0x1")
		return balances[testutil.AliceAddress][testutil.USDTAddress] == "0x37"
	})
}

func TestBalanceService_Pruning(t *testing.T) {
	ctx := context.Background()
	service, store, _ := newBalanceFixture(t, constantReader(1))

	store.MergeChainBalances(ctx, "0x1", entities.ChainBalances{
		testutil.AliceAddress: {entities.ZeroAddress: "0x1"},
		testutil.BobAddress:   {entities.ZeroAddress: "0x2"},
	})
	store.MergeChainBalances(ctx, "0x89", entities.ChainBalances{
		testutil.AliceAddress: {entities.ZeroAddress: "0x3"},
	})

	t.Run("removed account is deleted across chains", func(t *testing.T) {
		if err := service.HandleAccountRemoved(ctx, testutil.AliceAddress); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		eth, _ := store.GetChainBalances(ctx, "0x1")
		pol, _ := store.GetChainBalances(ctx, "0x89")
		if _, ok := eth[testutil.AliceAddress]; ok {
			t.Error("account should be pruned on 0x1")
		}
		if _, ok := pol[testutil.AliceAddress]; ok {
			t.Error("account should be pruned on 0x89")
		}
		if _, ok := eth[testutil.BobAddress]; !ok {
			t.Error("other accounts must survive")
		}
	})

	t.Run("removed chain is deleted without a re-fetch", func(t *testing.T) {
		if err := service.HandleChainRemoved(ctx, "0x1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		eth, _ := store.GetChainBalances(ctx, "0x1")
		if len(eth) != 0 {
			t.Error("chain balances should be gone")
		}
	})
}

// waitFor polls a condition with a deadline, for asserting on async refreshes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
