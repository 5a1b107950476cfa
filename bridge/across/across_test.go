package across

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/config"
)

const (
	usdcMainnet = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	usdcBase    = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	usdcTicker  = "0xd6aca1be9729c13d677335161321649cccae6a591554772516700f986f942eaa"
)

func testConfig() *config.Config {
	return &config.Config{
		Chains: map[string]config.ChainConfig{
			"1": {Assets: []config.AssetConfig{
				{Symbol: "USDC", Address: usdcMainnet, Decimals: 6, TickerHash: usdcTicker},
			}},
			"8453": {Assets: []config.AssetConfig{
				{Symbol: "USDC", Address: usdcBase, Decimals: 6, TickerHash: usdcTicker},
			}},
		},
	}
}

func usdcRoute() config.Route {
	return config.Route{Origin: 1, Destination: 8453, Asset: usdcMainnet}
}

func newTestAdapter(apiURL string) *Adapter {
	return New(testConfig(), Options{
		APIBaseURL: apiURL,
		SpokePools: map[uint64]common.Address{1: common.HexToAddress("0x5c7b")},
	})
}

func TestQuoteSubtractsRelayFee(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/suggested-fees", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"totalRelayFee": map[string]string{"total": "5000"},
		})
	}))
	defer server.Close()

	out, err := newTestAdapter(server.URL).Quote(context.Background(), big.NewInt(1_000_000), usdcRoute())
	require.NoError(t, err)
	assert.Equal(t, int64(995_000), out.Int64())
}

func TestQuoteBelowMinimum(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"totalRelayFee":  map[string]string{"total": "0"},
			"isAmountTooLow": true,
		})
	}))
	defer server.Close()

	_, err := newTestAdapter(server.URL).Quote(context.Background(), big.NewInt(100), usdcRoute())
	require.ErrorIs(t, err, bridge.ErrBelowMinimum)
}

func TestQuoteCachesWithinValidityWindow(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"totalRelayFee": map[string]string{"total": "5000"},
		})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	first, err := a.Quote(context.Background(), big.NewInt(1_000_000), usdcRoute())
	require.NoError(t, err)
	second, err := a.Quote(context.Background(), big.NewInt(1_000_000), usdcRoute())
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical inputs return the identical quote")
	assert.Equal(t, int32(1), calls.Load())
}

func TestQuoteServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestAdapter(server.URL).Quote(context.Background(), big.NewInt(1_000_000), usdcRoute())
	require.ErrorIs(t, err, bridge.ErrTransient)
}

func TestSendBatchShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"totalRelayFee": map[string]string{"total": "5000"},
		})
	}))
	defer server.Close()

	batch, err := newTestAdapter(server.URL).Send(context.Background(),
		common.HexToAddress("0xaaaa"), common.HexToAddress("0xbbbb"),
		big.NewInt(1_000_000), usdcRoute())
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, bridge.MemoApproval, batch[0].Memo)
	assert.Equal(t, bridge.MemoRebalance, batch[1].Memo)
	assert.Equal(t, common.HexToAddress("0x5c7b"), batch[1].Transaction.To)
	assert.Nil(t, batch[1].EffectiveAmount, "across never caps")
}

func TestDestinationReady(t *testing.T) {
	fillStatus := "pending"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/deposit/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"fillStatus": fillStatus})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	receipt := &types.Receipt{TxHash: common.HexToHash("0x1234")}

	ready, err := a.DestinationReady(context.Background(), big.NewInt(1), usdcRoute(), receipt)
	require.NoError(t, err)
	assert.False(t, ready)

	fillStatus = "filled"
	ready, err = a.DestinationReady(context.Background(), big.NewInt(1), usdcRoute(), receipt)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestDestinationCallbackNoneForPlainTokens(t *testing.T) {
	a := newTestAdapter("")
	tx, err := a.DestinationCallback(context.Background(), usdcRoute(), &types.Receipt{TxHash: common.HexToHash("0x1")})
	require.NoError(t, err)
	assert.Nil(t, tx, "stablecoin fills need no callback")
}
