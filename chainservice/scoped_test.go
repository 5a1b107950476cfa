package chainservice

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/config"
)

var testScoped = &config.ScopedExecutionConfig{
	ModuleAddress: "0x9646fDAD06d3e24444381f44362a3B0eB343D337",
	RoleKey:       "0x6d61726b00000000000000000000000000000000000000000000000000000000",
	SafeAddress:   "0x40FfD2733e99E0b825e2a26e4E166b3E7a81eB5c",
}

func TestWrapScoped(t *testing.T) {
	inner := TransactionRequest{
		ChainID: 1,
		To:      common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		Data:    PackERC20Transfer(common.HexToAddress("0x1234"), big.NewInt(42)),
		Value:   big.NewInt(7),
		From:    common.HexToAddress("0xabcd"),
		FuncSig: "transfer(address,uint256)",
	}
	wrapped, err := WrapScoped(inner, testScoped)
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress(testScoped.ModuleAddress), wrapped.To)
	assert.Equal(t, uint64(1), wrapped.ChainID)
	assert.Zero(t, wrapped.Value.Sign(), "outer call carries no value")
	assert.Equal(t, inner.From, wrapped.From)

	args, err := rolesModuleABI.Methods["execTransactionWithRole"].Inputs.Unpack(wrapped.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, inner.To, args[0].(common.Address))
	assert.Equal(t, big.NewInt(7), args[1].(*big.Int))
	assert.Equal(t, inner.Data, args[2].([]byte))
	assert.Equal(t, [32]byte(common.HexToHash(testScoped.RoleKey)), args[4].([32]byte))
	assert.True(t, args[5].(bool))
}

func TestScopedOwner(t *testing.T) {
	own := common.HexToAddress("0x1111111111111111111111111111111111111111")

	plain := config.ChainConfig{}
	assert.Equal(t, own, ScopedOwner(plain, own))

	scoped := config.ChainConfig{ScopedExecution: testScoped}
	assert.Equal(t, common.HexToAddress(testScoped.SafeAddress), ScopedOwner(scoped, own))
}

type fakeService struct {
	submitted []TransactionRequest
}

func (f *fakeService) GetBalance(context.Context, uint64, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeService) ReadTx(context.Context, uint64, common.Address, []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeService) GasBalance(context.Context, uint64, common.Address) (map[string]*big.Int, error) {
	return nil, nil
}

func (f *fakeService) SubmitAndMonitor(_ context.Context, req TransactionRequest) (*TransactionResult, error) {
	f.submitted = append(f.submitted, req)
	return &TransactionResult{
		Hash:    common.HexToHash("0xbeef"),
		Receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
	}, nil
}

func TestSubmitterWrapsScopedChains(t *testing.T) {
	cfg := &config.Config{
		Chains: map[string]config.ChainConfig{
			"1":    {ScopedExecution: testScoped},
			"8453": {},
		},
	}
	fake := &fakeService{}
	sub := NewSubmitter(fake, cfg)

	_, err := sub.Submit(context.Background(), TransactionRequest{ChainID: 1, To: common.HexToAddress("0x1"), Value: new(big.Int)})
	require.NoError(t, err)
	_, err = sub.Submit(context.Background(), TransactionRequest{ChainID: 8453, To: common.HexToAddress("0x2"), Value: new(big.Int)})
	require.NoError(t, err)

	require.Len(t, fake.submitted, 2)
	assert.Equal(t, common.HexToAddress(testScoped.ModuleAddress), fake.submitted[0].To, "scoped chain rewraps")
	assert.Equal(t, common.HexToAddress("0x2"), fake.submitted[1].To, "plain chain passes through")
}
