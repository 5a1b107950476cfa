// Package binance implements the bridge adapter for a centralized-exchange
// withdrawal rail: the origin transaction funds the exchange deposit address,
// the exchange withdraws on the destination chain, and the withdrawal status
// endpoint confirms arrival. The exchange enforces per-transfer ceilings and
// minimums, so this adapter exercises the capping contract.
package binance

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/everclear/mark/bignum"
	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
)

// TagBinance is the registry tag for this adapter.
const TagBinance bridge.Tag = "binance"

// Options configures deposit addresses and the exchange's transfer limits.
type Options struct {
	APIBaseURL string
	// DepositAddresses maps origin chain id to the exchange's inbound
	// address on that chain.
	DepositAddresses map[uint64]common.Address
	// AssetCaps is the per-transfer ceiling per origin token address, native
	// precision. Requests above the cap are silently capped and reported
	// through EffectiveAmount.
	AssetCaps map[common.Address]*big.Int
	// Minimums is the per-withdrawal lower bound per origin token address.
	Minimums map[common.Address]*big.Int
	// WithdrawFeeDbps is the flat exchange fee in deci-basis-points.
	WithdrawFeeDbps int64
}

// Adapter implements bridge.Adapter.
type Adapter struct {
	cfg  *config.Config
	opts Options
	api  *bridge.APIClient
}

// New builds an exchange-withdrawal adapter.
func New(cfg *config.Config, opts Options) *Adapter {
	return &Adapter{
		cfg:  cfg,
		opts: opts,
		api:  bridge.NewAPIClient(opts.APIBaseURL),
	}
}

// Type implements bridge.Adapter.
func (a *Adapter) Type() bridge.Tag { return TagBinance }

func (a *Adapter) cap(route config.Route, amountNative *big.Int) *big.Int {
	if ceiling, ok := a.opts.AssetCaps[common.HexToAddress(route.Asset)]; ok && amountNative.Cmp(ceiling) > 0 {
		return new(big.Int).Set(ceiling)
	}
	return new(big.Int).Set(amountNative)
}

func (a *Adapter) checkMinimum(route config.Route, amountNative *big.Int) error {
	min, ok := a.opts.Minimums[common.HexToAddress(route.Asset)]
	if ok && amountNative.Cmp(min) < 0 {
		return fmt.Errorf("%w: %s < %s", bridge.ErrBelowMinimum, amountNative, min)
	}
	return nil
}

// Quote implements bridge.Adapter: the capped input minus the withdrawal fee.
func (a *Adapter) Quote(_ context.Context, amountNative *big.Int, route config.Route) (*big.Int, error) {
	if _, ok := a.opts.DepositAddresses[route.Origin]; !ok {
		return nil, fmt.Errorf("%w: no deposit address on %d", bridge.ErrRouteUnsupported, route.Origin)
	}
	if err := a.checkMinimum(route, amountNative); err != nil {
		return nil, err
	}
	in := a.cap(route, amountNative)
	fee := new(big.Int).Mul(in, big.NewInt(a.opts.WithdrawFeeDbps))
	fee.Quo(fee, big.NewInt(bignum.DbpsDenominator))
	return in.Sub(in, fee), nil
}

// MinAmount implements bridge.Adapter.
func (a *Adapter) MinAmount(_ context.Context, route config.Route) (*big.Int, error) {
	if min, ok := a.opts.Minimums[common.HexToAddress(route.Asset)]; ok {
		return new(big.Int).Set(min), nil
	}
	return nil, nil
}

// Send implements bridge.Adapter. The exchange only accepts the native asset
// for wrapped-native tokens, so those transfers unwrap first and fund the
// deposit address with value; everything else is a plain token transfer.
func (a *Adapter) Send(_ context.Context, refund, _ common.Address, amountNative *big.Int, route config.Route) ([]bridge.PreparedTransaction, error) {
	deposit, ok := a.opts.DepositAddresses[route.Origin]
	if !ok {
		return nil, fmt.Errorf("%w: no deposit address on %d", bridge.ErrRouteUnsupported, route.Origin)
	}
	if err := a.checkMinimum(route, amountNative); err != nil {
		return nil, err
	}
	effective := a.cap(route, amountNative)
	var effectiveAmount *big.Int
	if effective.Cmp(amountNative) < 0 {
		effectiveAmount = new(big.Int).Set(effective)
	}

	origin, ok := a.cfg.Chain(route.Origin)
	if !ok {
		return nil, fmt.Errorf("%w: origin %d unconfigured", bridge.ErrRouteUnsupported, route.Origin)
	}
	asset, ok := origin.AssetByAddress(route.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: asset %s unconfigured on %d", bridge.ErrRouteUnsupported, route.Asset, route.Origin)
	}

	if asset.IsWrappedNative {
		return []bridge.PreparedTransaction{
			{
				Memo: bridge.MemoUnwrap,
				Transaction: chainservice.TransactionRequest{
					ChainID: route.Origin,
					To:      common.HexToAddress(route.Asset),
					Data:    bridge.PackWETHWithdraw(effective),
					Value:   new(big.Int),
					From:    refund,
					FuncSig: "withdraw(uint256)",
				},
			},
			{
				Memo: bridge.MemoRebalance,
				Transaction: chainservice.TransactionRequest{
					ChainID: route.Origin,
					To:      deposit,
					Value:   new(big.Int).Set(effective),
					From:    refund,
				},
				EffectiveAmount: effectiveAmount,
			},
		}, nil
	}
	return []bridge.PreparedTransaction{
		{
			Memo: bridge.MemoRebalance,
			Transaction: chainservice.TransactionRequest{
				ChainID: route.Origin,
				To:      common.HexToAddress(route.Asset),
				Data:    chainservice.PackERC20Transfer(deposit, effective),
				Value:   new(big.Int),
				From:    refund,
				FuncSig: "transfer(address,uint256)",
			},
			EffectiveAmount: effectiveAmount,
		},
	}, nil
}

type withdrawalStatusResponse struct {
	Status string `json:"status"`
	Amount string `json:"amount"`
}

func (a *Adapter) withdrawalStatus(ctx context.Context, originReceipt *types.Receipt) (*withdrawalStatusResponse, error) {
	if originReceipt == nil {
		return nil, fmt.Errorf("%w: missing origin receipt", bridge.ErrProtocol)
	}
	var status withdrawalStatusResponse
	path := "/withdrawals?depositTxHash=" + originReceipt.TxHash.Hex()
	if err := a.api.GetJSON(ctx, path, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// DestinationReady implements bridge.Adapter.
func (a *Adapter) DestinationReady(ctx context.Context, _ *big.Int, _ config.Route, originReceipt *types.Receipt) (bool, error) {
	status, err := a.withdrawalStatus(ctx, originReceipt)
	if err != nil {
		return false, err
	}
	return status.Status == "completed", nil
}

// DestinationCallback implements bridge.Adapter. Withdrawals of wrapped-
// native assets arrive as native and finish with a wrap; everything else
// lands directly in the configured token.
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
	status, err := a.withdrawalStatus(ctx, originReceipt)
	if err != nil {
		return nil, err
	}
	amount, err := bignum.ParseAmount(status.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: withdrawal has no amount", bridge.ErrProtocol)
	}
	return &chainservice.TransactionRequest{
		ChainID: route.Destination,
		To:      common.HexToAddress(destAsset.Address),
		Data:    bridge.PackWETHDeposit(),
		Value:   amount,
		FuncSig: "deposit()",
	}, nil
}
