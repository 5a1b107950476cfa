// Package cctp implements the bridge adapter for a Circle-style burn/mint
// transfer protocol: the origin transaction burns through the token
// messenger, the attestation service signs the resulting message, and a
// receive-message call on the destination mints the funds.
package cctp

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
)

// TagCCTP is the registry tag for this adapter.
const TagCCTP bridge.Tag = "cctp"

const messengerABIJSON = `[
	{"inputs":[
		{"name":"amount","type":"uint256"},
		{"name":"destinationDomain","type":"uint32"},
		{"name":"mintRecipient","type":"bytes32"},
		{"name":"burnToken","type":"address"}
	],"name":"depositForBurn","outputs":[{"name":"nonce","type":"uint64"}],"type":"function"}
]`

const transmitterABIJSON = `[
	{"inputs":[
		{"name":"message","type":"bytes"},
		{"name":"attestation","type":"bytes"}
	],"name":"receiveMessage","outputs":[{"name":"success","type":"bool"}],"type":"function"}
]`

var (
	messengerABI   abi.ABI
	transmitterABI abi.ABI
	// messageSentTopic is the topic of MessageSent(bytes), emitted by the
	// transmitter during depositForBurn.
	messageSentTopic = crypto.Keccak256Hash([]byte("MessageSent(bytes)"))
	bytesArguments   abi.Arguments
)

func init() {
	var err error
	messengerABI, err = abi.JSON(strings.NewReader(messengerABIJSON))
	if err != nil {
		panic(fmt.Sprintf("cctp: bad messenger abi: %v", err))
	}
	transmitterABI, err = abi.JSON(strings.NewReader(transmitterABIJSON))
	if err != nil {
		panic(fmt.Sprintf("cctp: bad transmitter abi: %v", err))
	}
	bytesType, _ := abi.NewType("bytes", "", nil)
	bytesArguments = abi.Arguments{{Type: bytesType}}
}

// Options configures the adapter with the per-chain protocol deployment.
type Options struct {
	AttestationBaseURL string
	TokenMessengers    map[uint64]common.Address
	Transmitters       map[uint64]common.Address
	// Domains maps chain id to the protocol's internal domain id.
	Domains map[uint64]uint32
	// BurnTokens is the set of burnable token addresses per chain; the
	// protocol only carries its own stablecoin.
	BurnTokens map[uint64]common.Address
}

// Adapter implements bridge.Adapter.
type Adapter struct {
	cfg  *config.Config
	opts Options
	api  *bridge.APIClient
}

// New builds a CCTP adapter.
func New(cfg *config.Config, opts Options) *Adapter {
	return &Adapter{
		cfg:  cfg,
		opts: opts,
		api:  bridge.NewAPIClient(opts.AttestationBaseURL),
	}
}

// Type implements bridge.Adapter.
func (a *Adapter) Type() bridge.Tag { return TagCCTP }

func (a *Adapter) checkRoute(route config.Route) error {
	burnToken, ok := a.opts.BurnTokens[route.Origin]
	if !ok || burnToken != common.HexToAddress(route.Asset) {
		return fmt.Errorf("%w: %s is not burnable on %d", bridge.ErrRouteUnsupported, route.Asset, route.Origin)
	}
	if _, ok := a.opts.Domains[route.Destination]; !ok {
		return fmt.Errorf("%w: no domain for %d", bridge.ErrRouteUnsupported, route.Destination)
	}
	return nil
}

// Quote implements bridge.Adapter. Burn/mint is 1:1 with no bridge fee.
func (a *Adapter) Quote(_ context.Context, amountNative *big.Int, route config.Route) (*big.Int, error) {
	if err := a.checkRoute(route); err != nil {
		return nil, err
	}
	if amountNative.Sign() <= 0 {
		return nil, fmt.Errorf("%w: zero amount", bridge.ErrBelowMinimum)
	}
	return new(big.Int).Set(amountNative), nil
}

// MinAmount implements bridge.Adapter; the protocol enforces no lower bound.
func (a *Adapter) MinAmount(_ context.Context, route config.Route) (*big.Int, error) {
	if err := a.checkRoute(route); err != nil {
		return nil, err
	}
	return nil, nil
}

// Send implements bridge.Adapter: an allowance for the messenger then the
// burn itself.
func (a *Adapter) Send(_ context.Context, refund, recipient common.Address, amountNative *big.Int, route config.Route) ([]bridge.PreparedTransaction, error) {
	if err := a.checkRoute(route); err != nil {
		return nil, err
	}
	messenger, ok := a.opts.TokenMessengers[route.Origin]
	if !ok {
		return nil, fmt.Errorf("%w: no messenger on %d", bridge.ErrRouteUnsupported, route.Origin)
	}
	var mintRecipient common.Hash
	copy(mintRecipient[12:], recipient.Bytes())
	data, err := messengerABI.Pack("depositForBurn",
		amountNative,
		a.opts.Domains[route.Destination],
		mintRecipient,
		common.HexToAddress(route.Asset),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: pack burn: %v", bridge.ErrProtocol, err)
	}
	return []bridge.PreparedTransaction{
		{
			Memo: bridge.MemoApproval,
			Transaction: chainservice.TransactionRequest{
				ChainID: route.Origin,
				To:      common.HexToAddress(route.Asset),
				Data:    chainservice.PackERC20Approve(messenger, amountNative),
				Value:   new(big.Int),
				From:    refund,
				FuncSig: "approve(address,uint256)",
			},
		},
		{
			Memo: bridge.MemoRebalance,
			Transaction: chainservice.TransactionRequest{
				ChainID: route.Origin,
				To:      messenger,
				Data:    data,
				Value:   new(big.Int),
				From:    refund,
				FuncSig: "depositForBurn(uint256,uint32,bytes32,address)",
			},
		},
	}, nil
}

// messageFromReceipt extracts the raw transmitter message emitted during the
// burn.
func messageFromReceipt(originReceipt *types.Receipt) ([]byte, error) {
	if originReceipt == nil {
		return nil, fmt.Errorf("%w: missing origin receipt", bridge.ErrProtocol)
	}
	for _, logEntry := range originReceipt.Logs {
		if len(logEntry.Topics) == 0 || logEntry.Topics[0] != messageSentTopic {
			continue
		}
		values, err := bytesArguments.Unpack(logEntry.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable MessageSent: %v", bridge.ErrProtocol, err)
		}
		return values[0].([]byte), nil
	}
	return nil, fmt.Errorf("%w: receipt %s has no MessageSent log", bridge.ErrProtocol, originReceipt.TxHash)
}

type attestationResponse struct {
	Status      string `json:"status"`
	Attestation string `json:"attestation"`
}

func (a *Adapter) attestation(ctx context.Context, originReceipt *types.Receipt) ([]byte, *attestationResponse, error) {
	message, err := messageFromReceipt(originReceipt)
	if err != nil {
		return nil, nil, err
	}
	messageHash := crypto.Keccak256Hash(message)
	var resp attestationResponse
	if err := a.api.GetJSON(ctx, "/attestations/"+messageHash.Hex(), &resp); err != nil {
		return nil, nil, err
	}
	return message, &resp, nil
}

// DestinationReady implements bridge.Adapter: the transfer is final once the
// attestation service has signed the burn message.
func (a *Adapter) DestinationReady(ctx context.Context, _ *big.Int, _ config.Route, originReceipt *types.Receipt) (bool, error) {
	_, resp, err := a.attestation(ctx, originReceipt)
	if err != nil {
		return false, err
	}
	return resp.Status == "complete", nil
}

// DestinationCallback implements bridge.Adapter: minting requires submitting
// the attested message on the destination transmitter.
func (a *Adapter) DestinationCallback(ctx context.Context, route config.Route, originReceipt *types.Receipt) (*chainservice.TransactionRequest, error) {
	transmitter, ok := a.opts.Transmitters[route.Destination]
	if !ok {
		return nil, fmt.Errorf("%w: no transmitter on %d", bridge.ErrRouteUnsupported, route.Destination)
	}
	message, resp, err := a.attestation(ctx, originReceipt)
	if err != nil {
		return nil, err
	}
	if resp.Status != "complete" || resp.Attestation == "" {
		return nil, fmt.Errorf("%w: attestation not complete", bridge.ErrProtocol)
	}
	attestation := common.FromHex(resp.Attestation)
	data, err := transmitterABI.Pack("receiveMessage", message, attestation)
	if err != nil {
		return nil, fmt.Errorf("%w: pack receiveMessage: %v", bridge.ErrProtocol, err)
	}
	return &chainservice.TransactionRequest{
		ChainID: route.Destination,
		To:      transmitter,
		Data:    data,
		Value:   new(big.Int),
		FuncSig: "receiveMessage(bytes,bytes)",
	}, nil
}
