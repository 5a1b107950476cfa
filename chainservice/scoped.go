package chainservice

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/everclear/mark/config"
)

// Scoped execution re-dispatches a call through a role-restricted module in
// front of a safe. The wrapped call is a plain transaction to the module; the
// module enforces that the role may touch the inner target.

const rolesModuleABIJSON = `[
	{"inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},
		{"name":"roleKey","type":"bytes32"},
		{"name":"shouldRevert","type":"bool"}
	],"name":"execTransactionWithRole","outputs":[{"name":"success","type":"bool"}],"type":"function"}
]`

var rolesModuleABI abi.ABI

func init() {
	var err error
	rolesModuleABI, err = abi.JSON(strings.NewReader(rolesModuleABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chainservice: bad roles abi: %v", err))
	}
}

const callOperation = 0 // delegatecall is never used from the agent

// WrapScoped rewraps a prepared transaction so that it executes through the
// configured scoped-execution module. The inner value rides inside the module
// call; the outer transaction itself carries none.
func WrapScoped(req TransactionRequest, scoped *config.ScopedExecutionConfig) (TransactionRequest, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	data, err := rolesModuleABI.Pack("execTransactionWithRole",
		req.To,
		value,
		req.Data,
		uint8(callOperation),
		common.HexToHash(scoped.RoleKey),
		true,
	)
	if err != nil {
		return TransactionRequest{}, fmt.Errorf("pack scoped call: %w", err)
	}
	return TransactionRequest{
		ChainID: req.ChainID,
		To:      common.HexToAddress(scoped.ModuleAddress),
		Data:    data,
		Value:   new(big.Int),
		From:    req.From,
		FuncSig: "execTransactionWithRole(" + req.FuncSig + ")",
	}, nil
}

// ScopedOwner returns the address whose balances matter on a chain: the safe
// when scoped execution is configured, the agent key otherwise.
func ScopedOwner(chain config.ChainConfig, ownAddress common.Address) common.Address {
	if chain.ScopedExecution != nil {
		return common.HexToAddress(chain.ScopedExecution.SafeAddress)
	}
	return ownAddress
}
