package hub

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
)

// ContractReader is the hub contract collaborator contract.
type ContractReader interface {
	// CustodiedAssets reads the hub's custodied balance for an asset hash.
	CustodiedAssets(ctx context.Context, assetHash common.Hash) (*big.Int, error)
}

const hubABIJSON = `[
	{"inputs":[{"name":"_assetHash","type":"bytes32"}],"name":"custodiedAssets","outputs":[{"name":"_amount","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	hubABI       abi.ABI
	assetHashABI abi.Arguments
)

func init() {
	var err error
	hubABI, err = abi.JSON(strings.NewReader(hubABIJSON))
	if err != nil {
		panic(fmt.Sprintf("hub: bad contract abi: %v", err))
	}
	addressType, _ := abi.NewType("address", "", nil)
	uint256Type, _ := abi.NewType("uint256", "", nil)
	assetHashABI = abi.Arguments{{Type: addressType}, {Type: uint256Type}}
}

// AssetHash computes keccak256(abi.encode(tokenAddress, chainId)), bit-exact
// with the hub's asset registry key.
func AssetHash(token common.Address, chainID uint64) common.Hash {
	encoded, err := assetHashABI.Pack(token, new(big.Int).SetUint64(chainID))
	if err != nil {
		panic(err) // static argument types, cannot fail
	}
	return crypto.Keccak256Hash(encoded)
}

// Contract reads the hub contract on the hub's own chain.
type Contract struct {
	chains  chainservice.Service
	chainID uint64
	gateway common.Address
}

// NewContract builds a hub contract reader from the resolved configuration.
func NewContract(chains chainservice.Service, cfg config.HubConfig) *Contract {
	return &Contract{
		chains:  chains,
		chainID: cfg.ChainID,
		gateway: common.HexToAddress(cfg.Gateway),
	}
}

// CustodiedAssets implements ContractReader.
func (c *Contract) CustodiedAssets(ctx context.Context, assetHash common.Hash) (*big.Int, error) {
	data, err := hubABI.Pack("custodiedAssets", assetHash)
	if err != nil {
		return nil, err
	}
	out, err := c.chains.ReadTx(ctx, c.chainID, c.gateway, data)
	if err != nil {
		return nil, fmt.Errorf("custodiedAssets %s: %w", assetHash, err)
	}
	results, err := hubABI.Unpack("custodiedAssets", out)
	if err != nil {
		return nil, fmt.Errorf("custodiedAssets %s: decode: %w", assetHash, err)
	}
	return results[0].(*big.Int), nil
}
