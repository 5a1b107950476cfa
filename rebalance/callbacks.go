package rebalance

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/everclear/mark/bignum"
	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
	"github.com/everclear/mark/store"
)

var (
	completedCounter = metrics.NewRegisteredCounter("mark/rebalance/completed", nil)
	promotedCounter  = metrics.NewRegisteredCounter("mark/rebalance/earmarks_promoted", nil)
)

// CallbackExecutor walks in-flight operations to completion: it polls the
// destination side of every PENDING operation and runs the destination
// callback once it reports ready. Errors on one operation never block the
// rest; the operation is retried on the next tick.
type CallbackExecutor struct {
	cfg       *config.Config
	bridges   *bridge.Registry
	earmarks  store.EarmarkStore
	ops       store.OperationStore
	submitter *chainservice.Submitter
	logger    log.Logger
}

// NewCallbackExecutor builds the callback loop over the shared stores.
func NewCallbackExecutor(cfg *config.Config, bridges *bridge.Registry, earmarks store.EarmarkStore, ops store.OperationStore, submitter *chainservice.Submitter) *CallbackExecutor {
	return &CallbackExecutor{
		cfg:       cfg,
		bridges:   bridges,
		earmarks:  earmarks,
		ops:       ops,
		submitter: submitter,
		logger:    log.New("service", "callbacks"),
	}
}

// Tick processes every operation still in flight.
func (c *CallbackExecutor) Tick(ctx context.Context) error {
	inflight, err := c.ops.GetOperations(ctx, store.OperationFilter{
		Statuses: []store.OperationStatus{store.OpPending, store.OpAwaitingCallback},
	})
	if err != nil {
		return fmt.Errorf("load in-flight operations: %w", err)
	}
	for i := range inflight {
		c.process(ctx, &inflight[i])
	}
	return nil
}

// findRoute recovers the configured route an operation was dispatched on.
func (c *CallbackExecutor) findRoute(op *store.RebalanceOperation) (config.Route, bool) {
	for _, routes := range [][]config.Route{c.cfg.OnDemandRoutes, c.cfg.Routes} {
		for _, route := range routes {
			if route.Origin != op.OriginChainID || route.Destination != op.DestinationChainID {
				continue
			}
			originChain, ok := c.cfg.Chain(route.Origin)
			if !ok {
				continue
			}
			asset, ok := originChain.AssetByAddress(route.Asset)
			if ok && equalTicker(asset.TickerHash, op.TickerHash) {
				return route, true
			}
		}
	}
	return config.Route{}, false
}

func (c *CallbackExecutor) process(ctx context.Context, op *store.RebalanceOperation) {
	logger := c.logger.New("operation", op.ID, "bridge", op.Bridge,
		"origin", op.OriginChainID, "destination", op.DestinationChainID)

	route, ok := c.findRoute(op)
	if !ok {
		logger.Warn("No configured route matches operation")
		return
	}
	entry, ok := op.OriginTransaction()
	if !ok || entry.Receipt == nil {
		logger.Warn("Operation has no origin receipt", "status", op.Status)
		return
	}
	amountNative, err := bignum.ParseAmount(op.Amount)
	if err != nil {
		logger.Warn("Operation carries unparseable amount", "amount", op.Amount)
		return
	}
	if !c.bridges.Has(bridge.Tag(op.Bridge)) {
		logger.Warn("Operation references unregistered bridge")
		return
	}
	adapter := c.bridges.Adapter(bridge.Tag(op.Bridge))

	if op.Status == store.OpPending {
		ready, err := adapter.DestinationReady(ctx, amountNative, route, entry.Receipt)
		if err != nil {
			logger.Warn("Destination readiness check failed", "err", err)
			return
		}
		if !ready {
			return
		}
		status := store.OpAwaitingCallback
		if err := c.ops.UpdateOperation(ctx, op.ID, store.OperationUpdate{Status: &status}); err != nil {
			logger.Error("Failed to mark operation awaiting callback", "err", err)
			return
		}
		// Continue in-tick: the callback usually succeeds right away.
		op.Status = store.OpAwaitingCallback
	}

	if op.Status != store.OpAwaitingCallback {
		return
	}
	callback, err := adapter.DestinationCallback(ctx, route, entry.Receipt)
	if err != nil {
		logger.Warn("Destination callback preparation failed", "err", err)
		return
	}
	update := store.OperationUpdate{}
	if callback != nil {
		destChain, ok := c.cfg.Chain(op.DestinationChainID)
		if !ok {
			logger.Warn("Operation destination chain is not configured")
			return
		}
		// Adapters prepare the call data only; the sender is resolved here the
		// same way the origin dispatch resolves its refund address.
		callback.From = chainservice.ScopedOwner(destChain, common.HexToAddress(c.cfg.OwnAddress))
		result, err := c.submitter.Submit(ctx, *callback)
		if err != nil {
			// Status stays AWAITING_CALLBACK; retried next tick.
			logger.Warn("Destination callback submission failed", "err", err)
			return
		}
		update.Transactions = store.TransactionMap{
			op.DestinationChainID: {Hash: result.Hash, Receipt: result.Receipt},
		}
	}
	completed := store.OpCompleted
	update.Status = &completed
	if err := c.ops.UpdateOperation(ctx, op.ID, update); err != nil {
		logger.Error("Failed to complete operation", "err", err)
		return
	}
	completedCounter.Inc(1)
	logger.Info("Rebalance operation completed")

	if op.EarmarkID != nil {
		c.promoteEarmark(ctx, *op.EarmarkID)
	}
}

// promoteEarmark flips a PENDING earmark to READY once every one of its
// operations has completed.
func (c *CallbackExecutor) promoteEarmark(ctx context.Context, id uuid.UUID) {
	earmark, err := c.earmarks.GetEarmark(ctx, id)
	if err != nil || earmark.Status != store.EarmarkPending {
		return
	}
	ops, err := c.ops.GetOperations(ctx, store.OperationFilter{EarmarkID: &id})
	if err != nil {
		c.logger.Warn("Failed to load earmark operations", "earmark", id, "err", err)
		return
	}
	for _, op := range ops {
		if op.Status != store.OpCompleted {
			return
		}
	}
	if err := c.earmarks.UpdateEarmarkStatus(ctx, id, store.EarmarkReady); err != nil {
		c.logger.Error("Failed to promote earmark", "earmark", id, "err", err)
		return
	}
	promotedCounter.Inc(1)
	c.logger.Info("Earmark ready for purchase", "earmark", id, "invoice", earmark.InvoiceID)
}
