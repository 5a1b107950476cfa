// Package across implements the bridge adapter for an Across-style optimistic
// relay bridge: quotes come from the hosted suggested-fees API, the origin
// transaction is a spoke-pool deposit, and fills are confirmed through the
// deposit-status endpoint.
package across

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/everclear/mark/bignum"
	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
)

// TagAcross is the registry tag for this adapter.
const TagAcross bridge.Tag = "across"

const (
	quoteCacheSize = 512
	quoteValidity  = 30 * time.Second
	fillDeadline   = 4 * time.Hour
)

const spokePoolABIJSON = `[
	{"inputs":[
		{"name":"depositor","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"inputToken","type":"address"},
		{"name":"outputToken","type":"address"},
		{"name":"inputAmount","type":"uint256"},
		{"name":"outputAmount","type":"uint256"},
		{"name":"destinationChainId","type":"uint256"},
		{"name":"exclusiveRelayer","type":"address"},
		{"name":"quoteTimestamp","type":"uint32"},
		{"name":"fillDeadline","type":"uint32"},
		{"name":"exclusivityDeadline","type":"uint32"},
		{"name":"message","type":"bytes"}
	],"name":"depositV3","outputs":[],"stateMutability":"payable","type":"function"}
]`

var spokePoolABI abi.ABI

func init() {
	var err error
	spokePoolABI, err = abi.JSON(strings.NewReader(spokePoolABIJSON))
	if err != nil {
		panic(fmt.Sprintf("across: bad spoke pool abi: %v", err))
	}
}

// Options configures the adapter.
type Options struct {
	APIBaseURL string
	// SpokePools maps chain id to the deployed spoke pool.
	SpokePools map[uint64]common.Address
}

// Adapter implements bridge.Adapter.
type Adapter struct {
	cfg  *config.Config
	opts Options
	api  *bridge.APIClient

	// quotes caches suggested-fees responses; identical inputs within the
	// validity window return the identical quote.
	quotes *lru.Cache[string, cachedQuote]
}

type cachedQuote struct {
	out     *big.Int
	fetched time.Time
}

// New builds an Across adapter.
func New(cfg *config.Config, opts Options) *Adapter {
	quotes, err := lru.New[string, cachedQuote](quoteCacheSize)
	if err != nil {
		panic(err) // only fails on non-positive size
	}
	return &Adapter{
		cfg:    cfg,
		opts:   opts,
		api:    bridge.NewAPIClient(opts.APIBaseURL),
		quotes: quotes,
	}
}

// Type implements bridge.Adapter.
func (a *Adapter) Type() bridge.Tag { return TagAcross }

func (a *Adapter) outputToken(route config.Route) (common.Address, error) {
	origin, ok := a.cfg.Chain(route.Origin)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: origin %d unconfigured", bridge.ErrRouteUnsupported, route.Origin)
	}
	asset, ok := origin.AssetByAddress(route.Asset)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: asset %s unconfigured on %d", bridge.ErrRouteUnsupported, route.Asset, route.Origin)
	}
	dest, ok := a.cfg.Chain(route.Destination)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: destination %d unconfigured", bridge.ErrRouteUnsupported, route.Destination)
	}
	destAsset, ok := dest.AssetByTicker(asset.TickerHash)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: no %s asset on %d", bridge.ErrRouteUnsupported, asset.Symbol, route.Destination)
	}
	return common.HexToAddress(destAsset.Address), nil
}

type suggestedFeesResponse struct {
	TotalRelayFee struct {
		Total string `json:"total"`
	} `json:"totalRelayFee"`
	IsAmountTooLow bool   `json:"isAmountTooLow"`
	Timestamp      string `json:"timestamp"`
}

func (a *Adapter) feesPath(amountNative *big.Int, route config.Route, outputToken common.Address) string {
	return fmt.Sprintf("/suggested-fees?inputToken=%s&outputToken=%s&originChainId=%d&destinationChainId=%d&amount=%s",
		common.HexToAddress(route.Asset).Hex(), outputToken.Hex(), route.Origin, route.Destination, amountNative)
}

// Quote implements bridge.Adapter.
func (a *Adapter) Quote(ctx context.Context, amountNative *big.Int, route config.Route) (*big.Int, error) {
	outputToken, err := a.outputToken(route)
	if err != nil {
		return nil, err
	}
	path := a.feesPath(amountNative, route, outputToken)
	if cached, ok := a.quotes.Get(path); ok && time.Since(cached.fetched) < quoteValidity {
		return new(big.Int).Set(cached.out), nil
	}

	var fees suggestedFeesResponse
	if err := a.api.GetJSON(ctx, path, &fees); err != nil {
		return nil, err
	}
	if fees.IsAmountTooLow {
		return nil, fmt.Errorf("%w: %s on %d->%d", bridge.ErrBelowMinimum, amountNative, route.Origin, route.Destination)
	}
	fee, err := bignum.ParseAmount(fees.TotalRelayFee.Total)
	if err != nil {
		return nil, fmt.Errorf("%w: bad relay fee: %v", bridge.ErrProtocol, err)
	}
	if fee.Cmp(amountNative) >= 0 {
		return nil, fmt.Errorf("%w: relay fee %s consumes input %s", bridge.ErrBelowMinimum, fee, amountNative)
	}
	out := new(big.Int).Sub(amountNative, fee)
	a.quotes.Add(path, cachedQuote{out: new(big.Int).Set(out), fetched: time.Now()})
	return out, nil
}

type limitsResponse struct {
	MinDeposit string `json:"minDeposit"`
}

// MinAmount implements bridge.Adapter.
func (a *Adapter) MinAmount(ctx context.Context, route config.Route) (*big.Int, error) {
	outputToken, err := a.outputToken(route)
	if err != nil {
		return nil, err
	}
	var limits limitsResponse
	path := fmt.Sprintf("/limits?inputToken=%s&outputToken=%s&originChainId=%d&destinationChainId=%d",
		common.HexToAddress(route.Asset).Hex(), outputToken.Hex(), route.Origin, route.Destination)
	if err := a.api.GetJSON(ctx, path, &limits); err != nil {
		return nil, err
	}
	return bignum.ParseAmount(limits.MinDeposit)
}

// Send implements bridge.Adapter: an allowance for the spoke pool followed by
// the deposit itself.
func (a *Adapter) Send(ctx context.Context, refund, recipient common.Address, amountNative *big.Int, route config.Route) ([]bridge.PreparedTransaction, error) {
	spokePool, ok := a.opts.SpokePools[route.Origin]
	if !ok {
		return nil, fmt.Errorf("%w: no spoke pool on %d", bridge.ErrRouteUnsupported, route.Origin)
	}
	outputToken, err := a.outputToken(route)
	if err != nil {
		return nil, err
	}
	outputAmount, err := a.Quote(ctx, amountNative, route)
	if err != nil {
		return nil, err
	}
	now := uint32(time.Now().Unix())
	deposit, err := spokePoolABI.Pack("depositV3",
		refund,
		recipient,
		common.HexToAddress(route.Asset),
		outputToken,
		amountNative,
		outputAmount,
		new(big.Int).SetUint64(route.Destination),
		common.Address{},
		now,
		now+uint32(fillDeadline/time.Second),
		uint32(0),
		[]byte{},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: pack deposit: %v", bridge.ErrProtocol, err)
	}
	return []bridge.PreparedTransaction{
		{
			Memo: bridge.MemoApproval,
			Transaction: chainservice.TransactionRequest{
				ChainID: route.Origin,
				To:      common.HexToAddress(route.Asset),
				Data:    chainservice.PackERC20Approve(spokePool, amountNative),
				Value:   new(big.Int),
				From:    refund,
				FuncSig: "approve(address,uint256)",
			},
		},
		{
			Memo: bridge.MemoRebalance,
			Transaction: chainservice.TransactionRequest{
				ChainID: route.Origin,
				To:      spokePool,
				Data:    deposit,
				Value:   new(big.Int),
				From:    refund,
				FuncSig: "depositV3(...)",
			},
		},
	}, nil
}

type depositStatusResponse struct {
	FillStatus   string `json:"fillStatus"`
	OutputAmount string `json:"outputAmount"`
}

func (a *Adapter) depositStatus(ctx context.Context, route config.Route, originReceipt *types.Receipt) (*depositStatusResponse, error) {
	if originReceipt == nil {
		return nil, fmt.Errorf("%w: missing origin receipt", bridge.ErrProtocol)
	}
	var status depositStatusResponse
	path := fmt.Sprintf("/deposit/status?originChainId=%d&depositTxHash=%s", route.Origin, originReceipt.TxHash.Hex())
	if err := a.api.GetJSON(ctx, path, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// DestinationReady implements bridge.Adapter.
func (a *Adapter) DestinationReady(ctx context.Context, _ *big.Int, route config.Route, originReceipt *types.Receipt) (bool, error) {
	status, err := a.depositStatus(ctx, route, originReceipt)
	if err != nil {
		return false, err
	}
	return status.FillStatus == "filled", nil
}

// DestinationCallback implements bridge.Adapter. Fills deliver native when
// the output asset is wrapped-native, so those transfers finish with a wrap
// on the destination; everything else needs no callback.
func (a *Adapter) DestinationCallback(ctx context.Context, route config.Route, originReceipt *types.Receipt) (*chainservice.TransactionRequest, error) {
	dest, ok := a.cfg.Chain(route.Destination)
	if !ok {
		return nil, fmt.Errorf("%w: destination %d unconfigured", bridge.ErrRouteUnsupported, route.Destination)
	}
	origin, ok := a.cfg.Chain(route.Origin)
	if !ok {
		return nil, fmt.Errorf("%w: origin %d unconfigured", bridge.ErrRouteUnsupported, route.Origin)
	}
	asset, ok := origin.AssetByAddress(route.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: asset %s unconfigured on %d", bridge.ErrRouteUnsupported, route.Asset, route.Origin)
	}
	destAsset, ok := dest.AssetByTicker(asset.TickerHash)
	if !ok || !destAsset.IsWrappedNative {
		return nil, nil
	}
	status, err := a.depositStatus(ctx, route, originReceipt)
	if err != nil {
		return nil, err
	}
	amount, err := bignum.ParseAmount(status.OutputAmount)
	if err != nil || amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: fill has no output amount", bridge.ErrProtocol)
	}
	return &chainservice.TransactionRequest{
		ChainID: route.Destination,
		To:      common.HexToAddress(destAsset.Address),
		Data:    bridge.PackWETHDeposit(),
		Value:   amount,
		FuncSig: "deposit()",
	}, nil
}
