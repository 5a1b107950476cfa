// Package bridge defines the polymorphic adapter contract over heterogeneous
// third-party bridges and the registry that dispatches on bridge tags. Each
// adapter's wire protocol (REST, RPC, on-chain calls) is private to it; the
// rest of the core sees only this behavioral interface.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
)

// Tag identifies one bridge implementation.
type Tag string

// Memo classifies a prepared transaction within a send batch.
type Memo string

const (
	// MemoRebalance tags the single transaction that establishes the bridge
	// intent on chain. Exactly one per send batch.
	MemoRebalance Memo = "Rebalance"
	// MemoApproval tags an ERC20 allowance transaction.
	MemoApproval Memo = "Approval"
	// MemoUnwrap tags a wrapped-native unwrap ahead of a native-only bridge.
	MemoUnwrap Memo = "Unwrap"
	// MemoWrap tags a destination-side wrap back into the configured asset.
	MemoWrap Memo = "Wrap"
	// MemoStake tags a bridge-specific staking prerequisite.
	MemoStake Memo = "Stake"
)

// PreparedTransaction is one transaction of an ordered send batch.
// EffectiveAmount is set on the Rebalance entry when the adapter capped the
// requested input; the caller must treat it as the true amount dispatched.
type PreparedTransaction struct {
	Memo            Memo
	Transaction     chainservice.TransactionRequest
	EffectiveAmount *big.Int
}

var (
	// ErrBelowMinimum distinguishes amounts under the bridge-enforced lower
	// bound; the planner skips to the next preference.
	ErrBelowMinimum = errors.New("amount below bridge minimum")
	// ErrProtocol marks a structurally invalid bridge response or a violated
	// adapter invariant. Never retried.
	ErrProtocol = errors.New("bridge protocol error")
	// ErrTransient marks a transport-level bridge failure worth retrying on a
	// later tick.
	ErrTransient = errors.New("transient bridge error")
	// ErrRouteUnsupported distinguishes pairs the bridge cannot carry.
	ErrRouteUnsupported = errors.New("route not supported by bridge")
)

// Adapter is the behavioral contract every bridge implementation satisfies.
type Adapter interface {
	// Type returns the adapter's registry tag.
	Type() Tag

	// Quote returns the destination amount for a native-precision input, or
	// fails (network, below-minimum, unsupported pair). Deterministic for
	// identical inputs within the quote validity window.
	Quote(ctx context.Context, amountNative *big.Int, route config.Route) (*big.Int, error)

	// MinAmount returns the bridge-enforced lower bound for the route in
	// native precision, or nil when the bridge has none.
	MinAmount(ctx context.Context, route config.Route) (*big.Int, error)

	// Send prepares the ordered transaction batch that dispatches the
	// transfer. Exactly one entry carries MemoRebalance.
	Send(ctx context.Context, refund, recipient common.Address, amountNative *big.Int, route config.Route) ([]PreparedTransaction, error)

	// DestinationReady reports whether the destination side of this specific
	// transfer is finalized. Pure read, safe to call repeatedly.
	DestinationReady(ctx context.Context, amountNative *big.Int, route config.Route, originReceipt *types.Receipt) (bool, error)

	// DestinationCallback returns the destination-chain transaction that
	// completes the transfer, or nil when none is needed. The caller invokes
	// it at most once after DestinationReady returns true.
	DestinationCallback(ctx context.Context, route config.Route, originReceipt *types.Receipt) (*chainservice.TransactionRequest, error)
}

// RebalanceTransaction picks the MemoRebalance entry out of a send batch.
func RebalanceTransaction(batch []PreparedTransaction) (PreparedTransaction, bool) {
	for _, tx := range batch {
		if tx.Memo == MemoRebalance {
			return tx, true
		}
	}
	return PreparedTransaction{}, false
}

// Registry maps bridge tags to adapter instances. Registration happens at
// startup; lookups after that are read-only and safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Tag]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Tag]Adapter)}
}

// Register adds an adapter under its tag. Registering the same tag twice is a
// programmer error.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag := adapter.Type()
	if _, dup := r.adapters[tag]; dup {
		panic(fmt.Sprintf("bridge: duplicate adapter registration for %q", tag))
	}
	r.adapters[tag] = adapter
}

// Adapter returns the adapter for a tag. A missing tag is a programmer error:
// routes referencing unknown bridges must be rejected at config validation,
// so lookup failure here panics.
func (r *Registry) Adapter(tag Tag) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[tag]
	if !ok {
		panic(fmt.Sprintf("bridge: no adapter registered for %q", tag))
	}
	return adapter
}

// Has reports whether a tag is registered.
func (r *Registry) Has(tag Tag) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[tag]
	return ok
}

// Tags returns the registered tags in stable order.
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]Tag, 0, len(r.adapters))
	for tag := range r.adapters {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
