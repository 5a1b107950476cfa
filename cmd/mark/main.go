// mark is a profit-insensitive market maker for the hub clearing protocol:
// it watches outstanding invoices, assembles destination liquidity over
// bridges, and tracks every transfer through earmark accounting.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/everclear/mark/admin"
	"github.com/everclear/mark/balance"
	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/bridge/across"
	"github.com/everclear/mark/bridge/binance"
	"github.com/everclear/mark/bridge/cctp"
	"github.com/everclear/mark/cache"
	"github.com/everclear/mark/chainservice"
	"github.com/everclear/mark/config"
	"github.com/everclear/mark/hub"
	"github.com/everclear/mark/invoice"
	"github.com/everclear/mark/rebalance"
	"github.com/everclear/mark/service"
	"github.com/everclear/mark/store"
)

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "Path to the TOML configuration file",
		Required: true,
	}
	keyFileFlag = &cli.StringFlag{
		Name:  "keyfile",
		Usage: "Path to the hex-encoded signing key",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	dryRunFlag = &cli.BoolFlag{
		Name:  "dry-run",
		Usage: "Run against in-memory stores without postgres or redis",
	}
)

func main() {
	app := &cli.App{
		Name:   "mark",
		Usage:  "market-making agent for hub invoices",
		Flags:  []cli.Flag{configFlag, keyFileFlag, verbosityFlag, dryRunFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(
		os.Stderr, log.FromLegacyLevel(c.Int(verbosityFlag.Name)), true)))

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer, err := loadSigner(c.String(keyFileFlag.Name), cfg)
	if err != nil {
		return err
	}
	chains, err := chainservice.Dial(ctx, cfg, signer)
	if err != nil {
		return fmt.Errorf("dial chains: %w", err)
	}

	var (
		earmarks store.EarmarkStore
		ops      store.OperationStore
		gate     cache.PauseGate
	)
	if c.Bool(dryRunFlag.Name) {
		mem := store.NewMemoryStore()
		earmarks, ops = mem, mem
		gate = cache.NewMemoryGate()
		log.Warn("Dry run: state lives in memory only")
	} else {
		db, err := store.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		earmarks, ops = db, db
		gate, err = cache.NewRedisGate(ctx, cfg.Redis, cfg.PauseDefaults)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	hubClient := hub.NewClient(cfg.Hub)
	hubContract := hub.NewContract(chains, cfg.Hub)
	aggregator := balance.NewAggregator(chains, hubContract, cfg)
	submitter := chainservice.NewSubmitter(chains, cfg)
	planner := rebalance.NewPlanner(cfg, registry)
	executor := rebalance.NewExecutor(cfg, registry, earmarks, ops, submitter)
	processor := invoice.NewProcessor(cfg, hubClient, aggregator, gate, planner, executor, earmarks, ops, nil)
	callbacks := rebalance.NewCallbackExecutor(cfg, registry, earmarks, ops, submitter)

	var adminSrv *admin.Server
	if cfg.Admin.ListenAddr != "" {
		adminSrv = admin.NewServer(cfg.Admin, gate, earmarks, ops)
	}

	svc := service.New(cfg, processor, callbacks, adminSrv)
	if err := svc.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return svc.Stop()
}

// loadSigner reads the agent key and returns the per-chain signing closure.
// Without a key file submissions fail at signing time, which suits read-only
// and dry-run usage.
func loadSigner(path string, cfg *config.Config) (chainservice.Signer, error) {
	if path == "" {
		return func(context.Context, uint64, *types.Transaction) (*types.Transaction, error) {
			return nil, fmt.Errorf("no signing key configured")
		}, nil
	}
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	if !equalAddress(addr.Hex(), cfg.OwnAddress) {
		return nil, fmt.Errorf("key %s does not match own_address %s", addr.Hex(), cfg.OwnAddress)
	}
	return func(_ context.Context, chainID uint64, tx *types.Transaction) (*types.Transaction, error) {
		return types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)), key)
	}, nil
}

func equalAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// buildRegistry registers every configured adapter and checks that each
// route preference resolves to one of them.
func buildRegistry(cfg *config.Config) (*bridge.Registry, error) {
	registry := bridge.NewRegistry()
	if ac := cfg.Bridges.Across; ac != nil {
		spokePools, err := chainAddressMap(ac.SpokePools)
		if err != nil {
			return nil, fmt.Errorf("across spoke pools: %w", err)
		}
		registry.Register(across.New(cfg, across.Options{
			APIBaseURL: ac.APIBaseURL,
			SpokePools: spokePools,
		}))
	}
	if cc := cfg.Bridges.CCTP; cc != nil {
		messengers, err := chainAddressMap(cc.TokenMessengers)
		if err != nil {
			return nil, fmt.Errorf("cctp token messengers: %w", err)
		}
		transmitters, err := chainAddressMap(cc.Transmitters)
		if err != nil {
			return nil, fmt.Errorf("cctp transmitters: %w", err)
		}
		burnTokens, err := chainAddressMap(cc.BurnTokens)
		if err != nil {
			return nil, fmt.Errorf("cctp burn tokens: %w", err)
		}
		domains := make(map[uint64]uint32, len(cc.Domains))
		for id, domain := range cc.Domains {
			chainID, err := strconv.ParseUint(id, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cctp domains: bad chain id %q", id)
			}
			domains[chainID] = domain
		}
		registry.Register(cctp.New(cfg, cctp.Options{
			AttestationBaseURL: cc.AttestationBaseURL,
			TokenMessengers:    messengers,
			Transmitters:       transmitters,
			Domains:            domains,
			BurnTokens:         burnTokens,
		}))
	}
	if bn := cfg.Bridges.Binance; bn != nil {
		deposits, err := chainAddressMap(bn.DepositAddresses)
		if err != nil {
			return nil, fmt.Errorf("binance deposit addresses: %w", err)
		}
		caps, err := tokenAmountMap(bn.AssetCaps)
		if err != nil {
			return nil, fmt.Errorf("binance asset caps: %w", err)
		}
		minimums, err := tokenAmountMap(bn.Minimums)
		if err != nil {
			return nil, fmt.Errorf("binance minimums: %w", err)
		}
		registry.Register(binance.New(cfg, binance.Options{
			APIBaseURL:       bn.APIBaseURL,
			DepositAddresses: deposits,
			AssetCaps:        caps,
			Minimums:         minimums,
			WithdrawFeeDbps:  bn.WithdrawFeeDbps,
		}))
	}

	for _, route := range append(append([]config.Route{}, cfg.Routes...), cfg.OnDemandRoutes...) {
		for _, tag := range route.Preferences {
			if !registry.Has(bridge.Tag(tag)) {
				return nil, fmt.Errorf("route %d->%d names unregistered bridge %q", route.Origin, route.Destination, tag)
			}
		}
	}
	return registry, nil
}

func chainAddressMap(in map[string]string) (map[uint64]common.Address, error) {
	out := make(map[uint64]common.Address, len(in))
	for id, addr := range in {
		chainID, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chain id %q", id)
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("bad address %q for chain %s", addr, id)
		}
		out[chainID] = common.HexToAddress(addr)
	}
	return out, nil
}

func tokenAmountMap(in map[string]string) (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(in))
	for addr, amount := range in {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("bad token address %q", addr)
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("bad amount %q for token %s", amount, addr)
		}
		out[common.HexToAddress(addr)] = v
	}
	return out, nil
}
