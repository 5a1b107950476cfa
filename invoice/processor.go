// Package invoice drives the main tick: it pulls outstanding invoices from
// the hub, maintains existing earmarks, and routes each invoice down the
// earmark-purchase, direct-purchase or on-demand-rebalance path.
package invoice

import (
	"context"
	"fmt"
	"math/big"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/everclear/mark/balance"
	"github.com/everclear/mark/bignum"
	"github.com/everclear/mark/cache"
	"github.com/everclear/mark/config"
	"github.com/everclear/mark/hub"
	"github.com/everclear/mark/rebalance"
	"github.com/everclear/mark/store"
)

var (
	invoicesSeenGauge = metrics.NewRegisteredGauge("mark/invoice/outstanding", nil)
	purchasedCounter  = metrics.NewRegisteredCounter("mark/invoice/purchased", nil)
	plannedCounter    = metrics.NewRegisteredCounter("mark/invoice/planned", nil)
)

// BalanceSource produces the per-tick owned balance snapshot.
type BalanceSource interface {
	OwnedBalances(ctx context.Context) balance.Map
}

// Purchaser settles an invoice from liquidity already on the chain. The
// settlement engine lives outside this repo; a nil purchaser means invoices
// are earmarked but never settled from here.
type Purchaser interface {
	Purchase(ctx context.Context, invoice *hub.Invoice, chainID uint64, minAmount *big.Int) error
}

// Processor orchestrates one invoice tick end to end.
type Processor struct {
	cfg       *config.Config
	hub       hub.API
	balances  BalanceSource
	pause     cache.PauseGate
	planner   *rebalance.Planner
	executor  *rebalance.Executor
	earmarks  store.EarmarkStore
	ops       store.OperationStore
	purchaser Purchaser
	logger    log.Logger
	now       func() time.Time
}

// NewProcessor wires the tick over its collaborators. purchaser may be nil.
func NewProcessor(cfg *config.Config, hubAPI hub.API, balances BalanceSource, pause cache.PauseGate,
	planner *rebalance.Planner, executor *rebalance.Executor,
	earmarks store.EarmarkStore, ops store.OperationStore, purchaser Purchaser) *Processor {
	return &Processor{
		cfg:       cfg,
		hub:       hubAPI,
		balances:  balances,
		pause:     pause,
		planner:   planner,
		executor:  executor,
		earmarks:  earmarks,
		ops:       ops,
		purchaser: purchaser,
		logger:    log.New("service", "invoices"),
		now:       time.Now,
	}
}

// Tick runs one full pass over the outstanding invoice set.
func (p *Processor) Tick(ctx context.Context) error {
	logger := p.logger.New("requestId", uuid.New())

	purchasePaused := p.isPaused(ctx, cache.PausePurchase)
	rebalancePaused := p.isPaused(ctx, cache.PauseRebalance)
	onDemandPaused := p.isPaused(ctx, cache.PauseOnDemand)

	invoices, err := p.hub.GetOutstandingInvoices(ctx)
	if err != nil {
		return fmt.Errorf("fetch outstanding invoices: %w", err)
	}
	invoicesSeenGauge.Update(int64(len(invoices)))

	p.processPendingEarmarks(ctx, logger)

	snapshot := p.balances.OwnedBalances(ctx)
	now := p.now()

	var purchased []string
	seen := mapset.NewThreadUnsafeSet[string]()
	for i := range invoices {
		invoice := &invoices[i]
		seen.Add(invoice.IntentID)
		destinations := p.eligibleDestinations(invoice, now)
		if len(destinations) == 0 {
			continue
		}
		done, err := p.processInvoice(ctx, logger, invoice, destinations, snapshot, purchasePaused, rebalancePaused || onDemandPaused)
		if err != nil {
			logger.Warn("Invoice processing failed", "invoice", invoice.IntentID, "err", err)
			continue
		}
		if done {
			purchased = append(purchased, invoice.IntentID)
		}
	}

	p.cleanupCompletedEarmarks(ctx, logger, purchased)
	p.cleanupStaleEarmarks(ctx, logger, seen)
	return nil
}

func (p *Processor) isPaused(ctx context.Context, flag cache.PauseFlag) bool {
	paused, err := p.pause.IsPaused(ctx, flag)
	if err != nil {
		p.logger.Warn("Pause flag unreadable, treating as unpaused", "flag", flag, "err", err)
		return false
	}
	return paused
}

// eligibleDestinations filters the invoice down to configured destinations
// old enough to act on, preserving the invoice's preference order. An
// unsupported ticker yields none.
func (p *Processor) eligibleDestinations(invoice *hub.Invoice, now time.Time) []uint64 {
	if !p.tickerSupported(invoice.TickerHash) {
		return nil
	}
	age := invoice.Age(now)
	var out []uint64
	for _, dest := range invoice.Destinations {
		chain, ok := p.cfg.Chain(dest)
		if !ok {
			continue
		}
		if age < time.Duration(chain.InvoiceAge)*time.Second {
			continue
		}
		if _, ok := chain.AssetByTicker(invoice.TickerHash); !ok {
			continue
		}
		out = append(out, dest)
	}
	return out
}

func (p *Processor) tickerSupported(tickerHash string) bool {
	if len(p.cfg.SupportedTickers) == 0 {
		return true
	}
	want := common.HexToHash(tickerHash)
	for _, t := range p.cfg.SupportedTickers {
		if common.HexToHash(t) == want {
			return true
		}
	}
	return false
}

// processInvoice walks the three paths in order: earmarked purchase, direct
// purchase, on-demand plan. It reports whether the invoice was purchased.
func (p *Processor) processInvoice(ctx context.Context, logger log.Logger, invoice *hub.Invoice, destinations []uint64, snapshot balance.Map, purchasePaused, planPaused bool) (bool, error) {
	existing, err := p.earmarks.ActiveEarmarkForInvoice(ctx, invoice.IntentID)
	if err != nil {
		return false, fmt.Errorf("read active earmark: %w", err)
	}
	if existing != nil {
		// A PENDING earmark is still assembling liquidity; re-running the
		// tick must not produce new sends.
		if existing.Status != store.EarmarkReady || purchasePaused {
			return false, nil
		}
		minAmount, err := bignum.ParseAmount(existing.MinAmount)
		if err != nil {
			return false, fmt.Errorf("earmark %s carries bad amount: %w", existing.ID, err)
		}
		return p.purchase(ctx, logger, invoice, existing.DesignatedPurchaseChain, minAmount), nil
	}

	minAmounts, err := p.minAmounts(ctx, invoice.IntentID)
	if err != nil {
		return false, fmt.Errorf("fetch min amounts: %w", err)
	}

	activeEarmarks, err := p.earmarks.GetEarmarks(ctx, store.EarmarkFilter{
		Statuses: []store.EarmarkStatus{store.EarmarkPending, store.EarmarkReady},
	})
	if err != nil {
		return false, fmt.Errorf("read active earmarks: %w", err)
	}

	if !purchasePaused {
		earmarked := rebalance.EarmarkedFunds(activeEarmarks)
		ticker := common.HexToHash(invoice.TickerHash)
		for _, dest := range destinations {
			required, ok := minAmounts[dest]
			if !ok {
				continue
			}
			if rebalance.AvailableBalance(snapshot, earmarked, ticker, dest).Cmp(required) >= 0 {
				return p.purchase(ctx, logger, invoice, dest, required), nil
			}
		}
	}

	if planPaused {
		return false, nil
	}
	plan := p.planner.Plan(ctx, invoice, minAmounts, snapshot, activeEarmarks)
	if !plan.CanRebalance {
		return false, nil
	}
	earmarkID, err := p.executor.ExecutePlan(ctx, invoice, plan)
	if err != nil {
		return false, fmt.Errorf("execute plan: %w", err)
	}
	if earmarkID != nil {
		plannedCounter.Inc(1)
		logger.Info("Invoice earmarked", "invoice", invoice.IntentID,
			"earmark", earmarkID, "destination", plan.DestinationChain,
			"operations", len(plan.Operations), "total", plan.TotalAmount)
	}
	return false, nil
}

func (p *Processor) minAmounts(ctx context.Context, intentID string) (map[uint64]*big.Int, error) {
	raw, err := p.hub.GetMinAmounts(ctx, intentID)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]*big.Int, len(raw))
	for chainID, amount := range raw {
		v, err := bignum.ParseAmount(amount)
		if err != nil {
			continue
		}
		out[chainID] = v
	}
	return out, nil
}

// purchase attempts settlement and reports success. With no purchaser wired
// the invoice is left for the external settlement engine.
func (p *Processor) purchase(ctx context.Context, logger log.Logger, invoice *hub.Invoice, chainID uint64, minAmount *big.Int) bool {
	if p.purchaser == nil {
		logger.Debug("No purchaser wired, leaving invoice for settlement", "invoice", invoice.IntentID, "chain", chainID)
		return false
	}
	if err := p.purchaser.Purchase(ctx, invoice, chainID, minAmount); err != nil {
		logger.Warn("Invoice purchase failed", "invoice", invoice.IntentID, "chain", chainID, "err", err)
		return false
	}
	purchasedCounter.Inc(1)
	logger.Info("Invoice purchased", "invoice", invoice.IntentID, "chain", chainID, "amount", minAmount)
	return true
}

// processPendingEarmarks promotes PENDING earmarks whose operations have all
// completed. The callback executor does the same in its own loop; doing it
// here as well keeps the purchase path current within this tick.
func (p *Processor) processPendingEarmarks(ctx context.Context, logger log.Logger) {
	pending, err := p.earmarks.GetEarmarks(ctx, store.EarmarkFilter{
		Statuses: []store.EarmarkStatus{store.EarmarkPending},
	})
	if err != nil {
		logger.Warn("Failed to load pending earmarks", "err", err)
		return
	}
	for _, earmark := range pending {
		id := earmark.ID
		ops, err := p.ops.GetOperations(ctx, store.OperationFilter{EarmarkID: &id})
		if err != nil {
			logger.Warn("Failed to load earmark operations", "earmark", id, "err", err)
			continue
		}
		if len(ops) == 0 {
			continue
		}
		completed := true
		for _, op := range ops {
			if op.Status != store.OpCompleted {
				completed = false
				break
			}
		}
		if !completed {
			continue
		}
		if err := p.earmarks.UpdateEarmarkStatus(ctx, id, store.EarmarkReady); err != nil {
			logger.Warn("Failed to promote earmark", "earmark", id, "err", err)
			continue
		}
		logger.Info("Earmark ready for purchase", "earmark", id, "invoice", earmark.InvoiceID)
	}
}

// cleanupCompletedEarmarks flips READY earmarks of just-purchased invoices
// to COMPLETED.
func (p *Processor) cleanupCompletedEarmarks(ctx context.Context, logger log.Logger, purchased []string) {
	for _, invoiceID := range purchased {
		earmark, err := p.earmarks.ActiveEarmarkForInvoice(ctx, invoiceID)
		if err != nil || earmark == nil || earmark.Status != store.EarmarkReady {
			continue
		}
		if err := p.earmarks.UpdateEarmarkStatus(ctx, earmark.ID, store.EarmarkCompleted); err != nil {
			logger.Warn("Failed to complete earmark", "earmark", earmark.ID, "err", err)
		}
	}
}

// cleanupStaleEarmarks cancels active earmarks whose invoices have left the
// hub's outstanding set, orphaning their in-flight operations.
func (p *Processor) cleanupStaleEarmarks(ctx context.Context, logger log.Logger, seen mapset.Set[string]) {
	active, err := p.earmarks.GetEarmarks(ctx, store.EarmarkFilter{
		Statuses: []store.EarmarkStatus{store.EarmarkPending, store.EarmarkReady},
	})
	if err != nil {
		logger.Warn("Failed to load active earmarks", "err", err)
		return
	}
	for _, earmark := range active {
		if seen.Contains(earmark.InvoiceID) {
			continue
		}
		if err := p.earmarks.CancelEarmarkAndOrphan(ctx, earmark.ID); err != nil {
			logger.Warn("Failed to cancel stale earmark", "earmark", earmark.ID, "err", err)
			continue
		}
		logger.Info("Cancelled stale earmark", "earmark", earmark.ID, "invoice", earmark.InvoiceID)
	}
}
