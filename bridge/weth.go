package bridge

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const wethABIJSON = `[
	{"inputs":[],"name":"deposit","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"wad","type":"uint256"}],"name":"withdraw","outputs":[],"type":"function"}
]`

var wethABI abi.ABI

func init() {
	var err error
	wethABI, err = abi.JSON(strings.NewReader(wethABIJSON))
	if err != nil {
		panic(fmt.Sprintf("bridge: bad weth abi: %v", err))
	}
}

// PackWETHDeposit prepares calldata wrapping the attached value.
func PackWETHDeposit() []byte {
	data, err := wethABI.Pack("deposit")
	if err != nil {
		panic(err) // static abi, cannot fail
	}
	return data
}

// PackWETHWithdraw prepares calldata unwrapping wad back to native.
func PackWETHWithdraw(wad *big.Int) []byte {
	data, err := wethABI.Pack("withdraw", wad)
	if err != nil {
		panic(err)
	}
	return data
}
