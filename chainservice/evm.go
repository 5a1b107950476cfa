package chainservice

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear/mark/config"
)

const (
	receiptPollInterval = 3 * time.Second
	receiptTimeout      = 5 * time.Minute
	gasLimitHeadroom    = 120 // percent of the estimate
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chainservice: bad erc20 abi: %v", err))
	}
}

// Signer signs a prepared transaction for a chain. Key management lives
// behind this seam; the service never sees raw key material.
type Signer func(ctx context.Context, chainID uint64, tx *types.Transaction) (*types.Transaction, error)

// EVMService implements Service over one ethclient per configured chain.
type EVMService struct {
	clients map[uint64]*ethclient.Client
	signer  Signer
	cfg     *config.Config
	logger  log.Logger
}

// Dial connects to every configured chain's first provider.
func Dial(ctx context.Context, cfg *config.Config, signer Signer) (*EVMService, error) {
	clients := make(map[uint64]*ethclient.Client, len(cfg.Chains))
	for id := range cfg.Chains {
		chainID, ok := new(big.Int).SetString(id, 10)
		if !ok {
			return nil, fmt.Errorf("bad chain id %q", id)
		}
		chain := cfg.Chains[id]
		client, err := ethclient.DialContext(ctx, chain.Providers[0])
		if err != nil {
			return nil, fmt.Errorf("dial chain %s: %w", id, err)
		}
		clients[chainID.Uint64()] = client
	}
	return &EVMService{
		clients: clients,
		signer:  signer,
		cfg:     cfg,
		logger:  log.New("service", "chain"),
	}, nil
}

func (s *EVMService) client(chainID uint64) (*ethclient.Client, error) {
	client, ok := s.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return client, nil
}

// GetBalance implements Service.
func (s *EVMService) GetBalance(ctx context.Context, chainID uint64, owner, token common.Address) (*big.Int, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	if token == config.NativeAssetSentinel {
		return client.BalanceAt(ctx, owner, nil)
	}
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s on %d: %w", token.Hex(), chainID, err)
	}
	results, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s on %d: %w", token.Hex(), chainID, err)
	}
	return results[0].(*big.Int), nil
}

// ReadTx implements Service.
func (s *EVMService) ReadTx(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// GasBalance implements Service. EVM chains report a single "gas" entry;
// dual-resource chains report bandwidth and energy separately.
func (s *EVMService) GasBalance(ctx context.Context, chainID uint64, owner common.Address) (map[string]*big.Int, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	native, err := client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, err
	}
	chain, _ := s.cfg.Chain(chainID)
	if chain.DualGas {
		// Both resources draw down the same native balance; the split is
		// reported by the chain itself and read separately when supported.
		return map[string]*big.Int{
			"bandwidth": new(big.Int).Set(native),
			"energy":    new(big.Int).Set(native),
		}, nil
	}
	return map[string]*big.Int{"gas": native}, nil
}

// SubmitAndMonitor implements Service: estimate, sign, send, then poll until
// the receipt confirms or the monitoring window closes.
func (s *EVMService) SubmitAndMonitor(ctx context.Context, req TransactionRequest) (*TransactionResult, error) {
	client, err := s.client(req.ChainID)
	if err != nil {
		return nil, err
	}
	nonce, err := client.PendingNonceAt(ctx, req.From)
	if err != nil {
		return nil, fmt.Errorf("nonce on %d: %w", req.ChainID, err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price on %d: %w", req.ChainID, err)
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  req.From,
		To:    &req.To,
		Value: value,
		Data:  req.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas on %d: %w", req.ChainID, err)
	}
	gasLimit = gasLimit * gasLimitHeadroom / 100

	tx := types.NewTransaction(nonce, req.To, value, gasLimit, gasPrice, req.Data)
	signed, err := s.signer(ctx, req.ChainID, tx)
	if err != nil {
		return nil, fmt.Errorf("sign on %d: %w", req.ChainID, err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send on %d: %w", req.ChainID, err)
	}
	hash := signed.Hash()
	s.logger.Debug("Submitted transaction", "chain", req.ChainID, "hash", hash, "func", req.FuncSig)

	receipt, err := s.waitReceipt(ctx, client, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s on chain %d", ErrTxReverted, hash, req.ChainID)
	}
	return &TransactionResult{Hash: hash, Receipt: receipt}, nil
}

func (s *EVMService) waitReceipt(ctx context.Context, client *ethclient.Client, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash)
		case <-ticker.C:
		}
	}
}

// PackERC20Approve prepares an approval calldata payload.
func PackERC20Approve(spender common.Address, amount *big.Int) []byte {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		panic(err) // static abi, cannot fail
	}
	return data
}

// PackERC20Transfer prepares a transfer calldata payload.
func PackERC20Transfer(to common.Address, amount *big.Int) []byte {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		panic(err)
	}
	return data
}
