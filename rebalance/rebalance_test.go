package rebalance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/balance"
	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
	"github.com/everclear/mark/hub"
	"github.com/everclear/mark/store"
)

const (
	testTicker = "0xd6aca1be9729c13d677335161321649cccae6a591554772516700f986f942eaa"
	tokenOn1   = "0x1000000000000000000000000000000000000001"
	tokenOn10  = "0x1000000000000000000000000000000000000010"
	tokenOn84  = "0x1000000000000000000000000000000000008453"
)

var (
	oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	ticker   = common.HexToHash(testTicker)
)

func ether(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), oneEther) }

func testConfig(slippages []int64, prefs []string) *config.Config {
	asset := func(addr string) []config.AssetConfig {
		return []config.AssetConfig{{Symbol: "TST", Address: addr, Decimals: 18, TickerHash: testTicker}}
	}
	return &config.Config{
		OwnAddress: "0x2222222222222222222222222222222222222222",
		Chains: map[string]config.ChainConfig{
			"1":    {Assets: asset(tokenOn1)},
			"10":   {Assets: asset(tokenOn10)},
			"8453": {Assets: asset(tokenOn84)},
		},
		OnDemandRoutes: []config.Route{
			{Origin: 1, Destination: 8453, Asset: tokenOn1, SlippagesDbps: slippages, Preferences: prefs},
		},
	}
}

func testInvoice() *hub.Invoice {
	return &hub.Invoice{
		IntentID:     "A",
		TickerHash:   testTicker,
		Amount:       oneEther.String(),
		Destinations: hub.ChainIDList{8453},
	}
}

// fakeAdapter satisfies bridge.Adapter with pluggable behavior.
type fakeAdapter struct {
	tag      bridge.Tag
	quote    func(amount *big.Int, route config.Route) (*big.Int, error)
	send     func(refund, recipient common.Address, amount *big.Int, route config.Route) ([]bridge.PreparedTransaction, error)
	ready    func() (bool, error)
	callback func() (*chainservice.TransactionRequest, error)
}

func (f *fakeAdapter) Type() bridge.Tag { return f.tag }

func (f *fakeAdapter) Quote(_ context.Context, amount *big.Int, route config.Route) (*big.Int, error) {
	return f.quote(amount, route)
}

func (f *fakeAdapter) MinAmount(context.Context, config.Route) (*big.Int, error) {
	return nil, nil
}

func (f *fakeAdapter) Send(_ context.Context, refund, recipient common.Address, amount *big.Int, route config.Route) ([]bridge.PreparedTransaction, error) {
	return f.send(refund, recipient, amount, route)
}

func (f *fakeAdapter) DestinationReady(context.Context, *big.Int, config.Route, *types.Receipt) (bool, error) {
	return f.ready()
}

func (f *fakeAdapter) DestinationCallback(context.Context, config.Route, *types.Receipt) (*chainservice.TransactionRequest, error) {
	if f.callback == nil {
		return nil, nil
	}
	return f.callback()
}

// quoteWithFeeDbps shaves the given fee off the input, floor division.
func quoteWithFeeDbps(fee int64) func(*big.Int, config.Route) (*big.Int, error) {
	return func(amount *big.Int, _ config.Route) (*big.Int, error) {
		kept := new(big.Int).Mul(amount, big.NewInt(config.DbpsMultiplier-fee))
		return kept.Div(kept, big.NewInt(config.DbpsMultiplier)), nil
	}
}

func registryWith(adapters ...bridge.Adapter) *bridge.Registry {
	r := bridge.NewRegistry()
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func TestPlannerSkipsDirectPurchase(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	planner := NewPlanner(cfg, registryWith(&fakeAdapter{tag: "fake", quote: quoteWithFeeDbps(0)}))

	balances := balance.Map{ticker: {8453: ether(2)}}
	plan := planner.Plan(context.Background(), testInvoice(),
		map[uint64]*big.Int{8453: ether(1)}, balances, nil)

	assert.False(t, plan.CanRebalance, "sufficient destination balance needs no plan")
}

func TestPlannerRejectsOverSlippage(t *testing.T) {
	// A 500-dbps bridge against a 100-dbps tolerance, no alternative.
	cfg := testConfig([]int64{100}, []string{"fake"})
	planner := NewPlanner(cfg, registryWith(&fakeAdapter{tag: "fake", quote: quoteWithFeeDbps(500)}))

	balances := balance.Map{ticker: {1: ether(2), 8453: new(big.Int)}}
	plan := planner.Plan(context.Background(), testInvoice(),
		map[uint64]*big.Int{8453: ether(1)}, balances, nil)

	assert.False(t, plan.CanRebalance)
}

func TestPlannerAcceptsWithinSlippage(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	planner := NewPlanner(cfg, registryWith(&fakeAdapter{tag: "fake", quote: quoteWithFeeDbps(500)}))

	balances := balance.Map{ticker: {1: ether(2), 8453: new(big.Int)}}
	plan := planner.Plan(context.Background(), testInvoice(),
		map[uint64]*big.Int{8453: ether(1)}, balances, nil)

	require.True(t, plan.CanRebalance)
	assert.Equal(t, uint64(8453), plan.DestinationChain)
	require.Len(t, plan.Operations, 1)
	op := plan.Operations[0]
	assert.Equal(t, uint64(1), op.Route.Origin)
	assert.Equal(t, bridge.Tag("fake"), op.Bridge)
	// Grossed up to cover the 1000-dbps tolerance, ceiling division.
	assert.Equal(t, "1010101010101010102", op.AmountNative.String())
	assert.Equal(t, ether(1), plan.MinAmount)
}

func TestPlannerSkipsFailingBridgeToNextPreference(t *testing.T) {
	cfg := testConfig([]int64{1000, 1000}, []string{"broken", "fake"})
	broken := &fakeAdapter{tag: "broken", quote: func(*big.Int, config.Route) (*big.Int, error) {
		return nil, bridge.ErrBelowMinimum
	}}
	planner := NewPlanner(cfg, registryWith(broken, &fakeAdapter{tag: "fake", quote: quoteWithFeeDbps(0)}))

	balances := balance.Map{ticker: {1: ether(2)}}
	plan := planner.Plan(context.Background(), testInvoice(),
		map[uint64]*big.Int{8453: ether(1)}, balances, nil)

	require.True(t, plan.CanRebalance)
	require.Len(t, plan.Operations, 1)
	assert.Equal(t, bridge.Tag("fake"), plan.Operations[0].Bridge, "failing quote never enters the plan")
}

func TestPlannerDeductsEarmarkedFunds(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	planner := NewPlanner(cfg, registryWith(&fakeAdapter{tag: "fake", quote: quoteWithFeeDbps(0)}))

	balances := balance.Map{ticker: {1: ether(2), 8453: new(big.Int)}}
	minAmounts := map[uint64]*big.Int{8453: ether(1)}

	// Without competition the origin covers the invoice.
	plan := planner.Plan(context.Background(), testInvoice(), minAmounts, balances, nil)
	require.True(t, plan.CanRebalance)

	// 1.5 ETH earmarked on the origin leaves 0.5 available, short of the
	// grossed-up requirement.
	earmarked := new(big.Int).Add(oneEther, new(big.Int).Div(oneEther, big.NewInt(2)))
	earmarks := []store.Earmark{{
		InvoiceID:               "other",
		DesignatedPurchaseChain: 1,
		TickerHash:              testTicker,
		MinAmount:               earmarked.String(),
		Status:                  store.EarmarkPending,
	}}
	plan = planner.Plan(context.Background(), testInvoice(), minAmounts, balances, earmarks)
	assert.False(t, plan.CanRebalance)
}

func TestPlannerTieBreakOnSmallerTotal(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	cfg.OnDemandRoutes = append(cfg.OnDemandRoutes,
		config.Route{Origin: 10, Destination: 8453, Asset: tokenOn10, SlippagesDbps: []int64{1000}, Preferences: []string{"fake"}})
	planner := NewPlanner(cfg, registryWith(&fakeAdapter{tag: "fake", quote: quoteWithFeeDbps(0)}))

	invoice := testInvoice()
	invoice.Destinations = hub.ChainIDList{8453, 10}
	balances := balance.Map{ticker: {1: ether(10), 10: new(big.Int), 8453: new(big.Int)}}
	// Both destinations take one operation from chain 1; 10 needs less.
	cfg.OnDemandRoutes = append(cfg.OnDemandRoutes,
		config.Route{Origin: 1, Destination: 10, Asset: tokenOn1, SlippagesDbps: []int64{1000}, Preferences: []string{"fake"}})

	plan := planner.Plan(context.Background(), invoice,
		map[uint64]*big.Int{8453: ether(2), 10: ether(1)}, balances, nil)

	require.True(t, plan.CanRebalance)
	assert.Equal(t, uint64(10), plan.DestinationChain, "equal op counts resolve to the smaller total")
}

// fakeChains confirms every submission with a canned receipt.
type fakeChains struct {
	submitted []chainservice.TransactionRequest
	failing   bool
}

func (f *fakeChains) GetBalance(context.Context, uint64, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeChains) ReadTx(context.Context, uint64, common.Address, []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeChains) GasBalance(context.Context, uint64, common.Address) (map[string]*big.Int, error) {
	return nil, nil
}

func (f *fakeChains) SubmitAndMonitor(_ context.Context, req chainservice.TransactionRequest) (*chainservice.TransactionResult, error) {
	if f.failing {
		return nil, chainservice.ErrReceiptTimeout
	}
	f.submitted = append(f.submitted, req)
	hash := common.BytesToHash([]byte{byte(len(f.submitted))})
	return &chainservice.TransactionResult{
		Hash:    hash,
		Receipt: &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful},
	}, nil
}

func rebalanceSend(effective *big.Int) func(common.Address, common.Address, *big.Int, config.Route) ([]bridge.PreparedTransaction, error) {
	return func(_, _ common.Address, amount *big.Int, route config.Route) ([]bridge.PreparedTransaction, error) {
		return []bridge.PreparedTransaction{{
			Memo: bridge.MemoRebalance,
			Transaction: chainservice.TransactionRequest{
				ChainID: route.Origin,
				To:      common.HexToAddress(route.Asset),
				Value:   new(big.Int),
			},
			EffectiveAmount: effective,
		}}, nil
	}
}

func newExecutorHarness(t *testing.T, adapter bridge.Adapter, cfg *config.Config) (*Executor, *store.MemoryStore, *fakeChains) {
	t.Helper()
	mem := store.NewMemoryStore()
	chains := &fakeChains{}
	sub := chainservice.NewSubmitter(chains, cfg)
	return NewExecutor(cfg, registryWith(adapter), mem, mem, sub), mem, chains
}

func singleOpPlan() Plan {
	return Plan{
		CanRebalance:     true,
		DestinationChain: 8453,
		Operations: []PlannedOperation{{
			Route:        config.Route{Origin: 1, Destination: 8453, Asset: tokenOn1, SlippagesDbps: []int64{1000}, Preferences: []string{"fake"}},
			AmountNative: ether(1),
			Received18:   ether(1),
			Bridge:       "fake",
			SlippageDbps: 1000,
		}},
		TotalAmount: ether(1),
		MinAmount:   ether(1),
	}
}

func TestExecutePlanCreatesEarmarkAndOperation(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	adapter := &fakeAdapter{tag: "fake", send: rebalanceSend(nil)}
	exec, mem, chains := newExecutorHarness(t, adapter, cfg)

	id, err := exec.ExecutePlan(context.Background(), testInvoice(), singleOpPlan())
	require.NoError(t, err)
	require.NotNil(t, id)
	require.Len(t, chains.submitted, 1)

	earmark, err := mem.GetEarmark(context.Background(), *id)
	require.NoError(t, err)
	assert.Equal(t, "A", earmark.InvoiceID)
	assert.Equal(t, uint64(8453), earmark.DesignatedPurchaseChain)
	assert.Equal(t, ether(1).String(), earmark.MinAmount)
	assert.Equal(t, store.EarmarkPending, earmark.Status)

	ops, err := mem.GetOperations(context.Background(), store.OperationFilter{EarmarkID: id})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, store.OpPending, ops[0].Status)
	entry, ok := ops[0].OriginTransaction()
	require.True(t, ok)
	assert.NotNil(t, entry.Receipt, "origin receipt stored at insert")
}

func TestExecutePlanCappedSendStoresEffectiveAmount(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	adapter := &fakeAdapter{tag: "fake", send: rebalanceSend(ether(8))}
	exec, mem, _ := newExecutorHarness(t, adapter, cfg)

	plan := singleOpPlan()
	plan.Operations[0].AmountNative = ether(10)

	id, err := exec.ExecutePlan(context.Background(), testInvoice(), plan)
	require.NoError(t, err)
	require.NotNil(t, id)

	ops, err := mem.GetOperations(context.Background(), store.OperationFilter{EarmarkID: id})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, ether(8).String(), ops[0].Amount, "capped amount is the true amount dispatched")
}

func TestExecutePlanNoSendsNoEarmark(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	adapter := &fakeAdapter{tag: "fake", send: func(common.Address, common.Address, *big.Int, config.Route) ([]bridge.PreparedTransaction, error) {
		return nil, errors.New("bridge down")
	}}
	exec, mem, _ := newExecutorHarness(t, adapter, cfg)

	id, err := exec.ExecutePlan(context.Background(), testInvoice(), singleOpPlan())
	require.NoError(t, err)
	assert.Nil(t, id)

	earmark, err := mem.ActiveEarmarkForInvoice(context.Background(), "A")
	require.NoError(t, err)
	assert.Nil(t, earmark, "no earmark without a confirmed send")
}

func TestExecutePlanLostRaceRecordsStandaloneOps(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	adapter := &fakeAdapter{tag: "fake", send: rebalanceSend(nil)}
	exec, mem, _ := newExecutorHarness(t, adapter, cfg)

	// The other instance already holds the active earmark.
	winner := &store.Earmark{
		InvoiceID:               "A",
		DesignatedPurchaseChain: 8453,
		TickerHash:              testTicker,
		MinAmount:               ether(1).String(),
		Status:                  store.EarmarkPending,
	}
	require.NoError(t, mem.CreateEarmark(context.Background(), winner))

	id, err := exec.ExecutePlan(context.Background(), testInvoice(), singleOpPlan())
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, winner.ID, *id, "loser defers to the winner's pending earmark")

	standalone := false
	ops, err := mem.GetOperations(context.Background(), store.OperationFilter{HasEarmark: &standalone})
	require.NoError(t, err)
	require.Len(t, ops, 1, "the already-sent operation persists without an earmark")
	assert.False(t, ops[0].IsOrphaned)
}

func TestExecutePlanLostRaceTagsOrphanedWhenConfigured(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	cfg.TagStandaloneAsOrphaned = true
	adapter := &fakeAdapter{tag: "fake", send: rebalanceSend(nil)}
	exec, mem, _ := newExecutorHarness(t, adapter, cfg)

	winner := &store.Earmark{
		InvoiceID:               "A",
		DesignatedPurchaseChain: 8453,
		TickerHash:              testTicker,
		MinAmount:               ether(1).String(),
		Status:                  store.EarmarkReady,
	}
	require.NoError(t, mem.CreateEarmark(context.Background(), winner))

	id, err := exec.ExecutePlan(context.Background(), testInvoice(), singleOpPlan())
	require.NoError(t, err)
	assert.Nil(t, id, "a READY earmark belongs to the winner's purchase path")

	standalone := false
	ops, err := mem.GetOperations(context.Background(), store.OperationFilter{HasEarmark: &standalone})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.True(t, ops[0].IsOrphaned)
}

func newCallbackHarness(t *testing.T, adapter bridge.Adapter, cfg *config.Config) (*CallbackExecutor, *store.MemoryStore, *fakeChains) {
	t.Helper()
	mem := store.NewMemoryStore()
	chains := &fakeChains{}
	sub := chainservice.NewSubmitter(chains, cfg)
	return NewCallbackExecutor(cfg, registryWith(adapter), mem, mem, sub), mem, chains
}

func seedPendingOperation(t *testing.T, mem *store.MemoryStore) (*store.Earmark, *store.RebalanceOperation) {
	t.Helper()
	earmark := &store.Earmark{
		InvoiceID:               "A",
		DesignatedPurchaseChain: 8453,
		TickerHash:              testTicker,
		MinAmount:               ether(1).String(),
		Status:                  store.EarmarkPending,
	}
	require.NoError(t, mem.CreateEarmark(context.Background(), earmark))

	op := &store.RebalanceOperation{
		EarmarkID:          &earmark.ID,
		OriginChainID:      1,
		DestinationChainID: 8453,
		TickerHash:         testTicker,
		Amount:             ether(1).String(),
		SlippageDbps:       1000,
		Bridge:             "fake",
		Status:             store.OpPending,
		Recipient:          "0x2222222222222222222222222222222222222222",
		Transactions: store.TransactionMap{
			1: {Hash: common.HexToHash("0xaaaa"), Receipt: &types.Receipt{TxHash: common.HexToHash("0xaaaa")}},
		},
	}
	require.NoError(t, mem.CreateOperation(context.Background(), op))
	return earmark, op
}

func TestCallbackProgressionToReady(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	ready := false
	adapter := &fakeAdapter{tag: "fake", ready: func() (bool, error) { return ready, nil }}
	exec, mem, _ := newCallbackHarness(t, adapter, cfg)
	earmark, op := seedPendingOperation(t, mem)

	// Destination not ready: nothing moves.
	require.NoError(t, exec.Tick(context.Background()))
	got, err := mem.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OpPending, got.Status)

	// Ready with no callback needed: completes in one tick and promotes
	// the earmark.
	ready = true
	require.NoError(t, exec.Tick(context.Background()))
	got, err = mem.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OpCompleted, got.Status)

	gotEarmark, err := mem.GetEarmark(context.Background(), earmark.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EarmarkReady, gotEarmark.Status)
}

func TestCallbackSubmitsDestinationTransaction(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	adapter := &fakeAdapter{
		tag:   "fake",
		ready: func() (bool, error) { return true, nil },
		callback: func() (*chainservice.TransactionRequest, error) {
			return &chainservice.TransactionRequest{
				ChainID: 8453,
				To:      common.HexToAddress(tokenOn84),
				Value:   ether(1),
				FuncSig: "deposit()",
			}, nil
		},
	}
	exec, mem, chains := newCallbackHarness(t, adapter, cfg)
	_, op := seedPendingOperation(t, mem)

	require.NoError(t, exec.Tick(context.Background()))

	require.Len(t, chains.submitted, 1)
	assert.Equal(t, uint64(8453), chains.submitted[0].ChainID)
	assert.Equal(t, common.HexToAddress(cfg.OwnAddress), chains.submitted[0].From,
		"callback sender resolved before submission")

	got, err := mem.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OpCompleted, got.Status)
	destEntry, ok := got.Transactions[8453]
	require.True(t, ok, "destination hash merged into the transaction map")
	assert.NotNil(t, destEntry.Receipt)
	originEntry, ok := got.Transactions[1]
	require.True(t, ok, "origin entry preserved")
	assert.Equal(t, common.HexToHash("0xaaaa"), originEntry.Hash)
}

func TestCallbackSenderResolvedForScopedDestination(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	scoped := &config.ScopedExecutionConfig{
		ModuleAddress: "0x9646fDAD06d3e24444381f44362a3B0eB343D337",
		RoleKey:       "0x6d61726b00000000000000000000000000000000000000000000000000000000",
		SafeAddress:   "0x40FfD2733e99E0b825e2a26e4E166b3E7a81eB5c",
	}
	dest := cfg.Chains["8453"]
	dest.ScopedExecution = scoped
	cfg.Chains["8453"] = dest

	adapter := &fakeAdapter{
		tag:   "fake",
		ready: func() (bool, error) { return true, nil },
		callback: func() (*chainservice.TransactionRequest, error) {
			return &chainservice.TransactionRequest{ChainID: 8453, To: common.HexToAddress(tokenOn84), Value: new(big.Int)}, nil
		},
	}
	exec, mem, chains := newCallbackHarness(t, adapter, cfg)
	seedPendingOperation(t, mem)

	require.NoError(t, exec.Tick(context.Background()))

	require.Len(t, chains.submitted, 1)
	assert.Equal(t, common.HexToAddress(scoped.ModuleAddress), chains.submitted[0].To, "scoped destination rewraps")
	assert.Equal(t, common.HexToAddress(scoped.SafeAddress), chains.submitted[0].From,
		"the safe owns the funds the callback spends")
}

func TestCallbackSubmissionFailureLeavesStateForRetry(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	adapter := &fakeAdapter{
		tag:   "fake",
		ready: func() (bool, error) { return true, nil },
		callback: func() (*chainservice.TransactionRequest, error) {
			return &chainservice.TransactionRequest{ChainID: 8453, To: common.HexToAddress(tokenOn84), Value: new(big.Int)}, nil
		},
	}
	exec, mem, chains := newCallbackHarness(t, adapter, cfg)
	chains.failing = true
	earmark, op := seedPendingOperation(t, mem)

	require.NoError(t, exec.Tick(context.Background()))

	got, err := mem.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OpAwaitingCallback, got.Status, "failed submission retries next tick")

	gotEarmark, err := mem.GetEarmark(context.Background(), earmark.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EarmarkPending, gotEarmark.Status)
}

func TestCallbackIgnoresCompletedOperations(t *testing.T) {
	cfg := testConfig([]int64{1000}, []string{"fake"})
	calls := 0
	adapter := &fakeAdapter{tag: "fake", ready: func() (bool, error) { calls++; return true, nil }}
	exec, mem, _ := newCallbackHarness(t, adapter, cfg)
	_, op := seedPendingOperation(t, mem)

	require.NoError(t, exec.Tick(context.Background()))
	require.NoError(t, exec.Tick(context.Background()))

	got, err := mem.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OpCompleted, got.Status)
	assert.Equal(t, 1, calls, "a completed operation is never revisited")
}
