package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Multicall3 is deployed at the same address on every supported chain.
var multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

const multicall3ABIJSON = `[
	{"name":"aggregate3","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"calls","type":"tuple[]","components":[
		{"name":"target","type":"address"},
		{"name":"allowFailure","type":"bool"},
		{"name":"callData","type":"bytes"}]}],
	 "outputs":[{"name":"returnData","type":"tuple[]","components":[
		{"name":"success","type":"bool"},
		{"name":"returnData","type":"bytes"}]}]},
	{"name":"getEthBalance","type":"function","stateMutability":"view",
	 "inputs":[{"name":"addr","type":"address"}],
	 "outputs":[{"name":"balance","type":"uint256"}]}
]`

const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	multicall3ABI = mustParseABI(multicall3ABIJSON)
	erc20ABI      = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// multicall3Call mirrors the Call3 tuple of aggregate3.
type multicall3Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// multicall3Result mirrors the Result tuple of aggregate3.
type multicall3Result struct {
	Success    bool
	ReturnData []byte
}

// BalanceCall is one (account, token) balance read. A native call reads the
// account's coin balance instead of an ERC-20 balance.
type BalanceCall struct {
	Account common.Address
	Token   common.Address
	Native  bool
}

// BalanceResult is the per-call outcome of a batch. Err is set when the
// individual call failed; the value is then meaningless and must not be
// mistaken for a zero balance.
type BalanceResult struct {
	Call  BalanceCall
	Value *big.Int
	Err   error
}

// ContractCaller is the read primitive a batcher needs. *Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// BalanceBatcher reads many balances in one Multicall3 round-trip, falling
// back to individual calls when the multicall itself fails.
type BalanceBatcher struct {
	caller ContractCaller
	logger *zap.Logger
}

// NewBalanceBatcher creates a batcher over one chain's client.
func NewBalanceBatcher(caller ContractCaller, logger *zap.Logger) *BalanceBatcher {
	return &BalanceBatcher{
		caller: caller,
		logger: logger,
	}
}

// ReadBalances executes the batch. The result slice is index-aligned with
// calls; the batch itself never fails — per-call errors are carried in the
// results.
func (b *BalanceBatcher) ReadBalances(ctx context.Context, calls []BalanceCall) []BalanceResult {
	if len(calls) == 0 {
		return nil
	}

	results, err := b.readViaMulticall(ctx, calls)
	if err == nil {
		return results
	}

	b.logger.Warn("Multicall failed, falling back to individual calls",
		zap.Int("calls", len(calls)),
		zap.Error(err),
	)
	return b.readIndividually(ctx, calls)
}

func (b *BalanceBatcher) readViaMulticall(ctx context.Context, calls []BalanceCall) ([]BalanceResult, error) {
	packed := make([]multicall3Call, len(calls))
	for i, call := range calls {
		data, err := packBalanceCall(call)
		if err != nil {
			return nil, err
		}
		target := call.Token
		if call.Native {
			// Native balances read through Multicall3's own helper.
			target = multicall3Address
		}
		packed[i] = multicall3Call{
			Target:       target,
			AllowFailure: true,
			CallData:     data,
		}
	}

	input, err := multicall3ABI.Pack("aggregate3", packed)
	if err != nil {
		return nil, fmt.Errorf("failed to pack aggregate3: %w", err)
	}

	raw, err := b.caller.CallContract(ctx, multicall3Address, input)
	if err != nil {
		return nil, fmt.Errorf("multicall execution failed: %w", err)
	}

	unpacked, err := multicall3ABI.Unpack("aggregate3", raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack aggregate3 result: %w", err)
	}
	returned := *abi.ConvertType(unpacked[0], new([]multicall3Result)).(*[]multicall3Result)
	if len(returned) != len(calls) {
		return nil, fmt.Errorf("multicall returned %d results for %d calls", len(returned), len(calls))
	}

	results := make([]BalanceResult, len(calls))
	for i, res := range returned {
		results[i] = BalanceResult{Call: calls[i]}
		if !res.Success {
			results[i].Err = fmt.Errorf("call reverted")
			continue
		}
		value, err := unpackUint256(res.ReturnData)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Value = value
	}
	return results, nil
}

// readIndividually issues one call per entry so a single bad call cannot fail
// the whole batch.
func (b *BalanceBatcher) readIndividually(ctx context.Context, calls []BalanceCall) []BalanceResult {
	results := make([]BalanceResult, len(calls))
	for i, call := range calls {
		results[i] = BalanceResult{Call: call}

		if call.Native {
			value, err := b.caller.BalanceAt(ctx, call.Account)
			if err != nil {
				results[i].Err = err
				continue
			}
			results[i].Value = value
			continue
		}

		data, err := packBalanceCall(call)
		if err != nil {
			results[i].Err = err
			continue
		}
		raw, err := b.caller.CallContract(ctx, call.Token, data)
		if err != nil {
			results[i].Err = err
			continue
		}
		value, err := unpackUint256(raw)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Value = value
	}
	return results
}

func packBalanceCall(call BalanceCall) ([]byte, error) {
	if call.Native {
		data, err := multicall3ABI.Pack("getEthBalance", call.Account)
		if err != nil {
			return nil, fmt.Errorf("failed to pack getEthBalance: %w", err)
		}
		return data, nil
	}
	data, err := erc20ABI.Pack("balanceOf", call.Account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	return data, nil
}

func unpackUint256(raw []byte) (*big.Int, error) {
	if len(raw) < 32 {
		return nil, fmt.Errorf("balance return data too short: %d bytes", len(raw))
	}
	return new(big.Int).SetBytes(raw[:32]), nil
}
