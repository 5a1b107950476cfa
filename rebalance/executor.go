package rebalance

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
	"github.com/everclear/mark/hub"
	"github.com/everclear/mark/store"
)

var (
	dispatchCounter   = metrics.NewRegisteredCounter("mark/rebalance/dispatched", nil)
	unrecordedCounter = metrics.NewRegisteredCounter("mark/rebalance/unrecorded_receipts", nil)
)

// Executor dispatches a plan: it sends every planned operation through its
// bridge adapter, then persists the earmark and the operation rows. The
// origin transaction is authoritative; a confirmed receipt is always either
// persisted or surfaced as a critical log line.
type Executor struct {
	cfg       *config.Config
	bridges   *bridge.Registry
	earmarks  store.EarmarkStore
	ops       store.OperationStore
	submitter *chainservice.Submitter
	logger    log.Logger
}

// NewExecutor builds an executor over the shared stores and submitter.
func NewExecutor(cfg *config.Config, bridges *bridge.Registry, earmarks store.EarmarkStore, ops store.OperationStore, submitter *chainservice.Submitter) *Executor {
	return &Executor{
		cfg:       cfg,
		bridges:   bridges,
		earmarks:  earmarks,
		ops:       ops,
		submitter: submitter,
		logger:    log.New("service", "rebalance"),
	}
}

// executedOperation is a planned operation that made it on chain.
type executedOperation struct {
	planned   PlannedOperation
	receipt   *types.Receipt
	hash      common.Hash
	amount    *big.Int // effective input if the adapter capped, else as planned
	recipient common.Address
}

// ExecutePlan sends the plan's operations and creates the earmark. It
// returns the earmark id when the earmark lands in PENDING, nil otherwise.
// Operations that fail mid-plan are logged and skipped; they never abort the
// remaining operations.
func (e *Executor) ExecutePlan(ctx context.Context, invoice *hub.Invoice, plan Plan) (*uuid.UUID, error) {
	if !plan.CanRebalance {
		return nil, nil
	}

	var executed []executedOperation
	for _, planned := range plan.Operations {
		done, err := e.dispatch(ctx, planned)
		if err != nil {
			e.logger.Error("Rebalance operation failed", "invoice", invoice.IntentID,
				"bridge", planned.Bridge, "origin", planned.Route.Origin, "err", err)
			continue
		}
		executed = append(executed, done)
	}
	if len(executed) == 0 {
		return nil, nil
	}

	status := store.EarmarkPending
	if len(executed) < len(plan.Operations) {
		status = store.EarmarkFailed
	}
	earmark := &store.Earmark{
		ID:                      uuid.New(),
		InvoiceID:               invoice.IntentID,
		DesignatedPurchaseChain: plan.DestinationChain,
		TickerHash:              invoice.TickerHash,
		MinAmount:               plan.MinAmount.String(),
		Status:                  status,
	}
	if err := e.earmarks.CreateEarmark(ctx, earmark); err != nil {
		if !errors.Is(err, store.ErrUniqueEarmarkConflict) {
			// The sends are already on chain; record them standalone so no
			// receipt is lost.
			e.recordOperations(ctx, invoice, nil, executed, e.cfg.TagStandaloneAsOrphaned)
			return nil, err
		}
		// Another instance won the earmark race. Our sends still happened:
		// persist them without an owning earmark and defer to the winner.
		e.logger.Warn("Lost earmark race, recording standalone operations", "invoice", invoice.IntentID, "operations", len(executed))
		e.recordOperations(ctx, invoice, nil, executed, e.cfg.TagStandaloneAsOrphaned)
		existing, readErr := e.earmarks.ActiveEarmarkForInvoice(ctx, invoice.IntentID)
		if readErr != nil || existing == nil || existing.Status != store.EarmarkPending {
			return nil, readErr
		}
		return &existing.ID, nil
	}

	e.recordOperations(ctx, invoice, &earmark.ID, executed, false)
	if status != store.EarmarkPending {
		return nil, nil
	}
	return &earmark.ID, nil
}

// dispatch prepares and submits one operation's transaction batch in order.
// A failing preparatory transaction abandons the batch; the Rebalance entry
// is only reached with its prerequisites confirmed.
func (e *Executor) dispatch(ctx context.Context, planned PlannedOperation) (executedOperation, error) {
	route := planned.Route
	originChain, ok := e.cfg.Chain(route.Origin)
	if !ok {
		return executedOperation{}, chainservice.ErrUnknownChain
	}
	destChain, ok := e.cfg.Chain(route.Destination)
	if !ok {
		return executedOperation{}, chainservice.ErrUnknownChain
	}
	own := common.HexToAddress(e.cfg.OwnAddress)
	refund := chainservice.ScopedOwner(originChain, own)
	recipient := chainservice.ScopedOwner(destChain, own)

	adapter := e.bridges.Adapter(planned.Bridge)
	batch, err := adapter.Send(ctx, refund, recipient, planned.AmountNative, route)
	if err != nil {
		return executedOperation{}, err
	}

	done := executedOperation{
		planned:   planned,
		amount:    planned.AmountNative,
		recipient: recipient,
	}
	for _, prepared := range batch {
		result, err := e.submitter.Submit(ctx, prepared.Transaction)
		if err != nil {
			return executedOperation{}, err
		}
		if prepared.Memo == bridge.MemoRebalance {
			done.receipt = result.Receipt
			done.hash = result.Hash
			if prepared.EffectiveAmount != nil {
				// The adapter capped the input; the capped amount is the
				// true amount dispatched.
				done.amount = prepared.EffectiveAmount
			}
		}
	}
	if done.receipt == nil {
		return executedOperation{}, errors.New("send batch carried no rebalance transaction")
	}
	dispatchCounter.Inc(1)
	return done, nil
}

// recordOperations persists one row per confirmed send. A row that cannot be
// written after its on-chain send is surfaced loudly with the origin hash so
// the receipt is never silently lost.
func (e *Executor) recordOperations(ctx context.Context, invoice *hub.Invoice, earmarkID *uuid.UUID, executed []executedOperation, orphaned bool) {
	for _, done := range executed {
		op := &store.RebalanceOperation{
			ID:                 uuid.New(),
			EarmarkID:          earmarkID,
			OriginChainID:      done.planned.Route.Origin,
			DestinationChainID: done.planned.Route.Destination,
			TickerHash:         invoice.TickerHash,
			Amount:             done.amount.String(),
			SlippageDbps:       done.planned.SlippageDbps,
			Bridge:             string(done.planned.Bridge),
			Status:             store.OpPending,
			IsOrphaned:         orphaned,
			Recipient:          done.recipient.Hex(),
			Transactions: store.TransactionMap{
				done.planned.Route.Origin: {Hash: done.hash, Receipt: done.receipt},
			},
		}
		if err := e.ops.CreateOperation(ctx, op); err != nil {
			unrecordedCounter.Inc(1)
			e.logger.Error("CRITICAL: confirmed send has no persisted operation row",
				"invoice", invoice.IntentID, "origin", done.planned.Route.Origin,
				"bridge", done.planned.Bridge, "hash", done.hash, "err", err)
		}
	}
}
