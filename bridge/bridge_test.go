package bridge

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
)

type nopAdapter struct{ tag Tag }

func (a nopAdapter) Type() Tag { return a.tag }

func (a nopAdapter) Quote(_ context.Context, amount *big.Int, _ config.Route) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}

func (a nopAdapter) MinAmount(context.Context, config.Route) (*big.Int, error) {
	return nil, nil
}

func (a nopAdapter) Send(context.Context, common.Address, common.Address, *big.Int, config.Route) ([]PreparedTransaction, error) {
	return nil, nil
}

func (a nopAdapter) DestinationReady(context.Context, *big.Int, config.Route, *types.Receipt) (bool, error) {
	return false, nil
}

func (a nopAdapter) DestinationCallback(context.Context, config.Route, *types.Receipt) (*chainservice.TransactionRequest, error) {
	return nil, nil
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(nopAdapter{tag: "across"})
	r.Register(nopAdapter{tag: "cctp"})

	assert.True(t, r.Has("across"))
	assert.False(t, r.Has("hop"))
	assert.Equal(t, Tag("across"), r.Adapter("across").Type())
	assert.Equal(t, []Tag{"across", "cctp"}, r.Tags())
}

func TestRegistryUnknownTagPanics(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() { r.Adapter("nonexistent") })
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(nopAdapter{tag: "across"})
	assert.Panics(t, func() { r.Register(nopAdapter{tag: "across"}) })
}

func TestRebalanceTransaction(t *testing.T) {
	batch := []PreparedTransaction{
		{Memo: MemoApproval},
		{Memo: MemoRebalance, EffectiveAmount: big.NewInt(5)},
	}
	tx, ok := RebalanceTransaction(batch)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(5), tx.EffectiveAmount)

	_, ok = RebalanceTransaction([]PreparedTransaction{{Memo: MemoApproval}})
	assert.False(t, ok)
}
