// Package balance aggregates the agent's positions across every configured
// chain into the 18-decimal canonical unit. Reads fan out concurrently; a
// failed read reports zero rather than poisoning the whole map, so one broken
// provider only removes that chain from planning.
package balance

import (
	"context"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/everclear/mark/bignum"
	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
	"github.com/everclear/mark/hub"
)

// Map holds canonical 18-decimal balances keyed by ticker hash then chain id.
type Map map[common.Hash]map[uint64]*big.Int

// Get returns the balance for a (ticker, chain) pair, zero when absent.
func (m Map) Get(ticker common.Hash, chainID uint64) *big.Int {
	if chains, ok := m[ticker]; ok {
		if v, ok := chains[chainID]; ok {
			return v
		}
	}
	return new(big.Int)
}

func (m Map) set(ticker common.Hash, chainID uint64, v *big.Int) {
	chains, ok := m[ticker]
	if !ok {
		chains = make(map[uint64]*big.Int)
		m[ticker] = chains
	}
	chains[chainID] = v
}

// GasKey identifies one gas resource on one chain.
type GasKey struct {
	ChainID uint64
	GasType string
}

const readConcurrency = 16

var readFailures = metrics.NewRegisteredCounter("mark/balance/read_failures", nil)

// Aggregator computes owned, custodied and gas balances.
type Aggregator struct {
	chains     chainservice.Service
	hub        hub.ContractReader
	cfg        *config.Config
	ownAddress common.Address
	logger     log.Logger
}

// NewAggregator builds an aggregator over the chain and hub collaborators.
func NewAggregator(chains chainservice.Service, hubContract hub.ContractReader, cfg *config.Config) *Aggregator {
	return &Aggregator{
		chains:     chains,
		hub:        hubContract,
		cfg:        cfg,
		ownAddress: common.HexToAddress(cfg.OwnAddress),
		logger:     log.New("service", "balance"),
	}
}

type assetRead struct {
	chainID uint64
	asset   config.AssetConfig
	owner   common.Address
}

func (a *Aggregator) configuredAssets() []assetRead {
	var reads []assetRead
	for id, chain := range a.cfg.Chains {
		chainID, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			continue
		}
		owner := chainservice.ScopedOwner(chain, a.ownAddress)
		for _, asset := range chain.Assets {
			reads = append(reads, assetRead{chainID: chainID, asset: asset, owner: owner})
		}
	}
	return reads
}

// OwnedBalances walks every configured (ticker, chain) pair and reads the
// agent's token balance, scoped-wallet balance where configured.
func (a *Aggregator) OwnedBalances(ctx context.Context) Map {
	reads := a.configuredAssets()
	result := make(Map)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for _, read := range reads {
		read := read
		g.Go(func() error {
			token := common.HexToAddress(read.asset.Address)
			if read.asset.IsNative {
				token = config.NativeAssetSentinel
			}
			raw, err := a.chains.GetBalance(ctx, read.chainID, read.owner, token)
			if err != nil {
				readFailures.Inc(1)
				a.logger.Warn("Balance read failed, reporting zero",
					"chain", read.chainID, "asset", read.asset.Symbol, "err", err)
				raw = new(big.Int)
			}
			canonical, err := bignum.Normalize(raw, read.asset.Decimals)
			if err != nil {
				a.logger.Error("Unnormalizable asset", "chain", read.chainID, "asset", read.asset.Symbol, "err", err)
				canonical = new(big.Int)
			}
			mu.Lock()
			result.set(common.HexToHash(read.asset.TickerHash), read.chainID, canonical)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() // reads never return errors; failures are zeroed above
	return result
}

// CustodiedBalances reads the hub's custodied amounts for every configured
// (ticker, chain) asset hash. Same fan-out and same lenient error policy as
// OwnedBalances.
func (a *Aggregator) CustodiedBalances(ctx context.Context) Map {
	reads := a.configuredAssets()
	result := make(Map)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for _, read := range reads {
		read := read
		g.Go(func() error {
			assetHash := hub.AssetHash(common.HexToAddress(read.asset.Address), read.chainID)
			raw, err := a.hub.CustodiedAssets(ctx, assetHash)
			if err != nil {
				readFailures.Inc(1)
				a.logger.Warn("Custodied read failed, reporting zero",
					"chain", read.chainID, "asset", read.asset.Symbol, "err", err)
				raw = new(big.Int)
			}
			canonical, err := bignum.Normalize(raw, read.asset.Decimals)
			if err != nil {
				canonical = new(big.Int)
			}
			mu.Lock()
			result.set(common.HexToHash(read.asset.TickerHash), read.chainID, canonical)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return result
}

// GasBalances reads native gas balances per chain in native gas units. Chains
// with a dual-resource model contribute one entry per resource. Failed chains
// contribute nothing.
func (a *Aggregator) GasBalances(ctx context.Context) map[GasKey]*big.Int {
	result := make(map[GasKey]*big.Int)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for id, chain := range a.cfg.Chains {
		chainID, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			continue
		}
		owner := chainservice.ScopedOwner(chain, a.ownAddress)
		g.Go(func() error {
			balances, err := a.chains.GasBalance(ctx, chainID, owner)
			if err != nil {
				readFailures.Inc(1)
				a.logger.Warn("Gas read failed", "chain", chainID, "err", err)
				return nil
			}
			mu.Lock()
			for gasType, v := range balances {
				result[GasKey{ChainID: chainID, GasType: gasType}] = v
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return result
}
