package cctp

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/config"
)

const usdcMainnet = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

func testOptions(apiURL string) Options {
	return Options{
		AttestationBaseURL: apiURL,
		TokenMessengers:    map[uint64]common.Address{1: common.HexToAddress("0x0a99")},
		Transmitters:       map[uint64]common.Address{8453: common.HexToAddress("0x0b99")},
		Domains:            map[uint64]uint32{1: 0, 8453: 6},
		BurnTokens: map[uint64]common.Address{
			1: common.HexToAddress(usdcMainnet),
		},
	}
}

func usdcRoute() config.Route {
	return config.Route{Origin: 1, Destination: 8453, Asset: usdcMainnet}
}

func receiptWithMessage(t *testing.T, message []byte) *types.Receipt {
	t.Helper()
	packed, err := bytesArguments.Pack(message)
	require.NoError(t, err)
	return &types.Receipt{
		TxHash: common.HexToHash("0x1234"),
		Logs: []*types.Log{{
			Topics: []common.Hash{messageSentTopic},
			Data:   packed,
		}},
	}
}

func TestQuoteIsOneToOne(t *testing.T) {
	a := New(&config.Config{}, testOptions(""))
	out, err := a.Quote(context.Background(), big.NewInt(1_000_000), usdcRoute())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), out.Int64())
}

func TestQuoteRejectsNonBurnable(t *testing.T) {
	a := New(&config.Config{}, testOptions(""))
	route := config.Route{Origin: 1, Destination: 8453, Asset: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"}
	_, err := a.Quote(context.Background(), big.NewInt(1), route)
	require.ErrorIs(t, err, bridge.ErrRouteUnsupported)
}

func TestSendBatchShape(t *testing.T) {
	a := New(&config.Config{}, testOptions(""))
	batch, err := a.Send(context.Background(),
		common.HexToAddress("0xaaaa"), common.HexToAddress("0xbbbb"),
		big.NewInt(1_000_000), usdcRoute())
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, bridge.MemoApproval, batch[0].Memo)
	assert.Equal(t, bridge.MemoRebalance, batch[1].Memo)
	assert.Equal(t, common.HexToAddress("0x0a99"), batch[1].Transaction.To)
}

func TestMessageFromReceipt(t *testing.T) {
	message := []byte("burn message payload")
	got, err := messageFromReceipt(receiptWithMessage(t, message))
	require.NoError(t, err)
	assert.Equal(t, message, got)

	_, err = messageFromReceipt(&types.Receipt{TxHash: common.HexToHash("0x1")})
	require.ErrorIs(t, err, bridge.ErrProtocol)

	_, err = messageFromReceipt(nil)
	require.ErrorIs(t, err, bridge.ErrProtocol)
}

func TestDestinationReadyAndCallback(t *testing.T) {
	message := []byte("burn message payload")
	messageHash := crypto.Keccak256Hash(message)
	status := "pending_confirmations"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/attestations/"+messageHash.Hex(), r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"status":      status,
			"attestation": "0xa77e57a7100",
		})
	}))
	defer server.Close()

	a := New(&config.Config{}, testOptions(server.URL))
	receipt := receiptWithMessage(t, message)

	ready, err := a.DestinationReady(context.Background(), big.NewInt(1), usdcRoute(), receipt)
	require.NoError(t, err)
	assert.False(t, ready)

	status = "complete"
	ready, err = a.DestinationReady(context.Background(), big.NewInt(1), usdcRoute(), receipt)
	require.NoError(t, err)
	assert.True(t, ready)

	tx, err := a.DestinationCallback(context.Background(), usdcRoute(), receipt)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, uint64(8453), tx.ChainID)
	assert.Equal(t, common.HexToAddress("0x0b99"), tx.To)

	args, err := transmitterABI.Methods["receiveMessage"].Inputs.Unpack(tx.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, message, args[0].([]byte))
}
