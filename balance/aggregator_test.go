package balance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
)

const usdcTicker = "0xd6aca1be9729c13d677335161321649cccae6a591554772516700f986f942eaa"

type stubChains struct {
	balances map[uint64]map[common.Address]*big.Int
	failing  map[uint64]bool
	gas      map[uint64]map[string]*big.Int
	owners   map[uint64]common.Address
}

func (s *stubChains) GetBalance(_ context.Context, chainID uint64, owner, token common.Address) (*big.Int, error) {
	if s.failing[chainID] {
		return nil, errors.New("rpc: connection refused")
	}
	if s.owners != nil {
		s.owners[chainID] = owner
	}
	if tokens, ok := s.balances[chainID]; ok {
		if v, ok := tokens[token]; ok {
			return new(big.Int).Set(v), nil
		}
	}
	return new(big.Int), nil
}

func (s *stubChains) SubmitAndMonitor(context.Context, chainservice.TransactionRequest) (*chainservice.TransactionResult, error) {
	return nil, errors.New("not implemented")
}

func (s *stubChains) ReadTx(context.Context, uint64, common.Address, []byte) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *stubChains) GasBalance(_ context.Context, chainID uint64, _ common.Address) (map[string]*big.Int, error) {
	if s.failing[chainID] {
		return nil, errors.New("rpc: connection refused")
	}
	return s.gas[chainID], nil
}

type stubHub struct {
	custodied map[common.Hash]*big.Int
	err       error
}

func (s *stubHub) CustodiedAssets(_ context.Context, assetHash common.Hash) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.custodied[assetHash]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func testConfig() *config.Config {
	return &config.Config{
		OwnAddress: "0x1111111111111111111111111111111111111111",
		Chains: map[string]config.ChainConfig{
			"1": {
				Assets: []config.AssetConfig{{
					Symbol:     "USDC",
					Address:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
					Decimals:   6,
					TickerHash: usdcTicker,
				}},
			},
			"8453": {
				Assets: []config.AssetConfig{{
					Symbol:     "USDC",
					Address:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
					Decimals:   6,
					TickerHash: usdcTicker,
				}},
				ScopedExecution: &config.ScopedExecutionConfig{
					ModuleAddress: "0x9646fDAD06d3e24444381f44362a3B0eB343D337",
					RoleKey:       "0x6d61726b00000000000000000000000000000000000000000000000000000000",
					SafeAddress:   "0x40FfD2733e99E0b825e2a26e4E166b3E7a81eB5c",
				},
			},
		},
	}
}

func TestOwnedBalancesNormalizesToCanonical(t *testing.T) {
	chains := &stubChains{
		balances: map[uint64]map[common.Address]*big.Int{
			1: {common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): big.NewInt(1_000_000)},
		},
		owners: make(map[uint64]common.Address),
	}
	agg := NewAggregator(chains, &stubHub{}, testConfig())

	owned := agg.OwnedBalances(context.Background())

	// 1_000_000 six-decimal units come out as exactly 1e18.
	assert.Equal(t, "1000000000000000000", owned.Get(common.HexToHash(usdcTicker), 1).String())
	assert.Equal(t, "0", owned.Get(common.HexToHash(usdcTicker), 8453).String())
}

func TestOwnedBalancesUsesScopedWallet(t *testing.T) {
	chains := &stubChains{owners: make(map[uint64]common.Address)}
	agg := NewAggregator(chains, &stubHub{}, testConfig())

	agg.OwnedBalances(context.Background())

	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), chains.owners[1])
	assert.Equal(t, common.HexToAddress("0x40FfD2733e99E0b825e2a26e4E166b3E7a81eB5c"), chains.owners[8453],
		"scoped chain reads the safe's balance")
}

func TestOwnedBalancesZeroesFailedChains(t *testing.T) {
	chains := &stubChains{
		balances: map[uint64]map[common.Address]*big.Int{
			1: {common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): big.NewInt(5_000_000)},
		},
		failing: map[uint64]bool{8453: true},
	}
	agg := NewAggregator(chains, &stubHub{}, testConfig())

	owned := agg.OwnedBalances(context.Background())

	assert.Equal(t, "5000000000000000000", owned.Get(common.HexToHash(usdcTicker), 1).String())
	// The broken chain appears as zero, not as an error.
	assert.Equal(t, "0", owned.Get(common.HexToHash(usdcTicker), 8453).String())
}

func TestCustodiedBalancesZeroOnHubError(t *testing.T) {
	agg := NewAggregator(&stubChains{}, &stubHub{err: errors.New("rpc down")}, testConfig())
	custodied := agg.CustodiedBalances(context.Background())
	assert.Equal(t, "0", custodied.Get(common.HexToHash(usdcTicker), 1).String())
}

func TestGasBalancesSkipsFailedChains(t *testing.T) {
	chains := &stubChains{
		gas: map[uint64]map[string]*big.Int{
			1: {"gas": big.NewInt(777)},
		},
		failing: map[uint64]bool{8453: true},
	}
	agg := NewAggregator(chains, &stubHub{}, testConfig())

	gas := agg.GasBalances(context.Background())

	require.Contains(t, gas, GasKey{ChainID: 1, GasType: "gas"})
	assert.Equal(t, int64(777), gas[GasKey{ChainID: 1, GasType: "gas"}].Int64())
	assert.NotContains(t, gas, GasKey{ChainID: 8453, GasType: "gas"})
}
