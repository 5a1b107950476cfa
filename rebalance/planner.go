// Package rebalance plans and settles on-demand bridge transfers: the
// planner turns an invoice shortfall into an ordered set of bridge
// operations, and the callback executor walks in-flight operations to
// completion on the destination side.
package rebalance

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear/mark/balance"
	"github.com/everclear/mark/bignum"
	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/config"
	"github.com/everclear/mark/hub"
	"github.com/everclear/mark/store"
)

// PlannedOperation is one bridge transfer in a plan, not yet dispatched.
type PlannedOperation struct {
	Route        config.Route
	AmountNative *big.Int // origin-precision input, as the adapter will send it
	Received18   *big.Int // canonical-unit quote output credited to the destination
	Bridge       bridge.Tag
	SlippageDbps int64
}

// Plan is the planner's verdict for one invoice. When CanRebalance is false
// the other fields are zero.
type Plan struct {
	CanRebalance     bool
	DestinationChain uint64
	Operations       []PlannedOperation
	TotalAmount      *big.Int // sum of native input amounts across operations
	MinAmount        *big.Int // canonical-unit requirement on the chosen destination
}

// Planner decides whether inventory can be assembled for an invoice. It
// never mutates any store; Plan is a pure function of its inputs and the
// adapters' quotes.
type Planner struct {
	cfg     *config.Config
	bridges *bridge.Registry
	logger  log.Logger
}

// NewPlanner builds a planner over the configured on-demand routes.
func NewPlanner(cfg *config.Config, bridges *bridge.Registry) *Planner {
	return &Planner{
		cfg:     cfg,
		bridges: bridges,
		logger:  log.New("service", "planner"),
	}
}

// EarmarkedFunds sums the canonical-unit minAmount of every active earmark
// per (chain, ticker). Unparseable amounts are skipped.
func EarmarkedFunds(earmarks []store.Earmark) map[uint64]map[common.Hash]*big.Int {
	out := make(map[uint64]map[common.Hash]*big.Int)
	for _, e := range earmarks {
		if !e.Status.Active() {
			continue
		}
		amount, err := bignum.ParseAmount(e.MinAmount)
		if err != nil {
			continue
		}
		ticker := common.HexToHash(e.TickerHash)
		byTicker, ok := out[e.DesignatedPurchaseChain]
		if !ok {
			byTicker = make(map[common.Hash]*big.Int)
			out[e.DesignatedPurchaseChain] = byTicker
		}
		if prev, ok := byTicker[ticker]; ok {
			byTicker[ticker] = new(big.Int).Add(prev, amount)
		} else {
			byTicker[ticker] = amount
		}
	}
	return out
}

// AvailableBalance returns max(0, owned - earmarked) for a (ticker, chain)
// pair, in canonical units.
func AvailableBalance(balances balance.Map, earmarked map[uint64]map[common.Hash]*big.Int, ticker common.Hash, chainID uint64) *big.Int {
	owned := balances.Get(ticker, chainID)
	reserved := new(big.Int)
	if byTicker, ok := earmarked[chainID]; ok {
		if v, ok := byTicker[ticker]; ok {
			reserved = v
		}
	}
	avail := new(big.Int).Sub(owned, reserved)
	if avail.Sign() < 0 {
		return new(big.Int)
	}
	return avail
}

// routeAssets resolves the origin and destination asset configs for a route,
// requiring the origin asset to carry the wanted ticker.
func (p *Planner) routeAssets(route config.Route, ticker string) (origin, dest config.AssetConfig, ok bool) {
	originChain, found := p.cfg.Chain(route.Origin)
	if !found {
		return origin, dest, false
	}
	origin, found = originChain.AssetByAddress(route.Asset)
	if !found || !equalTicker(origin.TickerHash, ticker) {
		return origin, dest, false
	}
	destChain, found := p.cfg.Chain(route.Destination)
	if !found {
		return origin, dest, false
	}
	dest, found = destChain.AssetByTicker(origin.TickerHash)
	return origin, dest, found
}

func equalTicker(a, b string) bool {
	return common.HexToHash(a) == common.HexToHash(b)
}

type candidate struct {
	destination uint64
	operations  []PlannedOperation
	total       *big.Int // native input sum
	required    *big.Int
}

// Plan evaluates every candidate destination of the invoice and returns the
// cheapest viable assembly, or CanRebalance=false.
func (p *Planner) Plan(ctx context.Context, invoice *hub.Invoice, minAmounts map[uint64]*big.Int, balances balance.Map, earmarks []store.Earmark) Plan {
	ticker := common.HexToHash(invoice.TickerHash)
	earmarked := EarmarkedFunds(earmarks)

	var best *candidate
	for _, dest := range invoice.Destinations {
		required, ok := minAmounts[dest]
		if !ok || required == nil || required.Sign() == 0 {
			continue
		}
		available := AvailableBalance(balances, earmarked, ticker, dest)
		if available.Cmp(required) >= 0 {
			// Direct purchase territory, not a rebalance candidate.
			continue
		}
		needed := new(big.Int).Sub(required, available)
		ops := p.planDestination(ctx, invoice, dest, needed, balances, earmarked, ticker)
		if ops == nil {
			continue
		}
		total := new(big.Int)
		for _, op := range ops {
			total.Add(total, op.AmountNative)
		}
		c := &candidate{destination: dest, operations: ops, total: total, required: required}
		if best == nil || betterCandidate(c, best) {
			best = c
		}
	}
	if best == nil {
		return Plan{}
	}
	return Plan{
		CanRebalance:     true,
		DestinationChain: best.destination,
		Operations:       best.operations,
		TotalAmount:      best.total,
		MinAmount:        best.required,
	}
}

// betterCandidate prefers fewer operations, then the smaller native total.
func betterCandidate(a, b *candidate) bool {
	if len(a.operations) != len(b.operations) {
		return len(a.operations) < len(b.operations)
	}
	return a.total.Cmp(b.total) < 0
}

// planDestination greedily assembles operations that cover needed canonical
// units on one destination, or returns nil when the residual stays above the
// rounding tolerance.
func (p *Planner) planDestination(ctx context.Context, invoice *hub.Invoice, dest uint64, needed *big.Int, balances balance.Map, earmarked map[uint64]map[common.Hash]*big.Int, ticker common.Hash) []PlannedOperation {
	type scoredRoute struct {
		route       config.Route
		origin      config.AssetConfig
		destAsset   config.AssetConfig
		available18 *big.Int
	}
	var routes []scoredRoute
	for _, route := range p.cfg.OnDemandRoutes {
		if route.Destination != dest {
			continue
		}
		origin, destAsset, ok := p.routeAssets(route, invoice.TickerHash)
		if !ok {
			continue
		}
		routes = append(routes, scoredRoute{
			route:       route,
			origin:      origin,
			destAsset:   destAsset,
			available18: AvailableBalance(balances, earmarked, ticker, route.Origin),
		})
	}
	// Greedy: richest origin first keeps the operation count down.
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].available18.Cmp(routes[j].available18) > 0
	})

	remaining := new(big.Int).Set(needed)
	var ops []PlannedOperation
	for _, sr := range routes {
		if bignum.WithinTolerance(remaining) {
			break
		}
		op, ok := p.tryRoute(ctx, sr.route, sr.origin, sr.destAsset, remaining, sr.available18)
		if !ok {
			continue
		}
		ops = append(ops, op)
		remaining.Sub(remaining, op.Received18)
		if remaining.Sign() < 0 {
			remaining.SetInt64(0)
		}
	}
	if !bignum.WithinTolerance(remaining) {
		return nil
	}
	return ops
}

// tryRoute walks the route's bridge preferences in order and returns the
// first acceptable operation.
func (p *Planner) tryRoute(ctx context.Context, route config.Route, origin, destAsset config.AssetConfig, remaining, available18 *big.Int) (PlannedOperation, bool) {
	reserve18, err := bignum.Normalize(route.ReserveAmount(), origin.Decimals)
	if err != nil {
		return PlannedOperation{}, false
	}
	cap18 := new(big.Int).Sub(available18, reserve18)
	if cap18.Sign() <= 0 {
		return PlannedOperation{}, false
	}
	if route.Maximum != "" {
		if max, ok := new(big.Int).SetString(route.Maximum, 10); ok {
			if max18, err := bignum.Normalize(max, origin.Decimals); err == nil {
				cap18 = bignum.Min(cap18, max18)
			}
		}
	}

	for i, tag := range route.Preferences {
		slip := route.SlippagesDbps[i]
		sendGross18 := bignum.Min(bignum.GrossUpForSlippage(remaining, slip), cap18)
		sendNative, err := bignum.Denormalize(sendGross18, origin.Decimals)
		if err != nil || sendNative.Sign() == 0 {
			continue
		}
		// Re-derive the canonical amount after truncation to native
		// precision so the slippage check compares what actually leaves.
		sent18, err := bignum.Normalize(sendNative, origin.Decimals)
		if err != nil {
			continue
		}
		adapter := p.bridges.Adapter(bridge.Tag(tag))
		outNative, err := adapter.Quote(ctx, sendNative, route)
		if err != nil {
			p.logger.Debug("Bridge quote rejected", "bridge", tag, "origin", route.Origin, "destination", route.Destination, "amount", sendNative, "err", err)
			continue
		}
		received18, err := bignum.Normalize(outNative, destAsset.Decimals)
		if err != nil {
			continue
		}
		realized := bignum.RealizedSlippageDbps(sent18, received18)
		if realized > slip {
			p.logger.Debug("Bridge slippage over tolerance", "bridge", tag, "realized_dbps", realized, "max_dbps", slip)
			continue
		}
		return PlannedOperation{
			Route:        route,
			AmountNative: sendNative,
			Received18:   received18,
			Bridge:       bridge.Tag(tag),
			SlippageDbps: slip,
		}, true
	}
	return PlannedOperation{}, false
}
