package binance

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/config"
)

const (
	usdcMainnet = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	wethMainnet = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdcTicker  = "0xd6aca1be9729c13d677335161321649cccae6a591554772516700f986f942eaa"
	wethTicker  = "0x27439d85b19d1d7ba8cf0b1e5b0c2b8d2f253ff67e2d55a26983c1b8a3c0e5e4"
)

func testConfig() *config.Config {
	return &config.Config{
		Chains: map[string]config.ChainConfig{
			"1": {Assets: []config.AssetConfig{
				{Symbol: "USDC", Address: usdcMainnet, Decimals: 6, TickerHash: usdcTicker},
				{Symbol: "WETH", Address: wethMainnet, Decimals: 18, TickerHash: wethTicker, IsWrappedNative: true},
			}},
			"8453": {Assets: []config.AssetConfig{
				{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6, TickerHash: usdcTicker},
			}},
		},
	}
}

func testAdapter() *Adapter {
	return New(testConfig(), Options{
		DepositAddresses: map[uint64]common.Address{1: common.HexToAddress("0xdddd")},
		AssetCaps: map[common.Address]*big.Int{
			common.HexToAddress(usdcMainnet): big.NewInt(8_000_000), // 8 USDC in native units
		},
		Minimums: map[common.Address]*big.Int{
			common.HexToAddress(usdcMainnet): big.NewInt(100_000),
		},
		WithdrawFeeDbps: 500, // 0.5%
	})
}

func usdcRoute() config.Route {
	return config.Route{Origin: 1, Destination: 8453, Asset: usdcMainnet, Preferences: []string{"binance"}, SlippagesDbps: []int64{1000}}
}

func TestQuoteAppliesFee(t *testing.T) {
	out, err := testAdapter().Quote(context.Background(), big.NewInt(1_000_000), usdcRoute())
	require.NoError(t, err)
	assert.Equal(t, int64(995_000), out.Int64())
}

func TestQuoteBelowMinimum(t *testing.T) {
	_, err := testAdapter().Quote(context.Background(), big.NewInt(50_000), usdcRoute())
	require.ErrorIs(t, err, bridge.ErrBelowMinimum)
}

func TestSendCapsAndReportsEffectiveAmount(t *testing.T) {
	batch, err := testAdapter().Send(context.Background(),
		common.HexToAddress("0xaaaa"), common.HexToAddress("0xbbbb"),
		big.NewInt(10_000_000), usdcRoute())
	require.NoError(t, err)
	require.Len(t, batch, 1)

	tx, ok := bridge.RebalanceTransaction(batch)
	require.True(t, ok)
	require.NotNil(t, tx.EffectiveAmount, "capped send reports the true amount")
	assert.Equal(t, int64(8_000_000), tx.EffectiveAmount.Int64())
}

func TestSendUnderCapHasNoEffectiveAmount(t *testing.T) {
	batch, err := testAdapter().Send(context.Background(),
		common.HexToAddress("0xaaaa"), common.HexToAddress("0xbbbb"),
		big.NewInt(1_000_000), usdcRoute())
	require.NoError(t, err)

	tx, ok := bridge.RebalanceTransaction(batch)
	require.True(t, ok)
	assert.Nil(t, tx.EffectiveAmount)
}

func TestSendWrappedNativeUnwrapsFirst(t *testing.T) {
	route := config.Route{Origin: 1, Destination: 8453, Asset: wethMainnet}
	amount := big.NewInt(1e18)
	batch, err := testAdapter().Send(context.Background(),
		common.HexToAddress("0xaaaa"), common.HexToAddress("0xbbbb"), amount, route)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	assert.Equal(t, bridge.MemoUnwrap, batch[0].Memo)
	assert.Equal(t, common.HexToAddress(wethMainnet), batch[0].Transaction.To)

	assert.Equal(t, bridge.MemoRebalance, batch[1].Memo)
	assert.Equal(t, amount, batch[1].Transaction.Value, "deposit funds ride as native value")
	assert.Empty(t, batch[1].Transaction.Data)
}

func TestSendUnknownOrigin(t *testing.T) {
	route := config.Route{Origin: 10, Destination: 8453, Asset: usdcMainnet}
	_, err := testAdapter().Send(context.Background(), common.Address{}, common.Address{}, big.NewInt(1_000_000), route)
	require.ErrorIs(t, err, bridge.ErrRouteUnsupported)
}

func TestMinAmount(t *testing.T) {
	min, err := testAdapter().MinAmount(context.Background(), usdcRoute())
	require.NoError(t, err)
	require.NotNil(t, min)
	assert.Equal(t, int64(100_000), min.Int64())

	min, err = testAdapter().MinAmount(context.Background(), config.Route{Origin: 1, Asset: wethMainnet})
	require.NoError(t, err)
	assert.Nil(t, min, "no configured minimum means no bound")
}
