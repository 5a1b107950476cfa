// Package config holds the resolved configuration consumed by the agent core.
// The structures here are the contract between the loader and every component;
// after construction the core never reads process-wide environment again.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DbpsMultiplier is the deci-basis-point denominator used throughout route
// slippage configuration.
const DbpsMultiplier = 100_000

// NativeAssetSentinel is the token-address placeholder naming a chain's native
// asset in balance queries.
var NativeAssetSentinel = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// AssetConfig describes one token on one chain.
type AssetConfig struct {
	Symbol     string `toml:"symbol"`
	Address    string `toml:"address"`
	Decimals   uint8  `toml:"decimals"`
	TickerHash string `toml:"ticker_hash"`
	IsNative   bool   `toml:"is_native"`
	// IsWrappedNative marks the chain's canonical wrapped-native token, which
	// some bridges only carry in unwrapped form.
	IsWrappedNative bool `toml:"is_wrapped_native"`
}

// ScopedExecutionConfig routes transactions through a role-restricted module
// in front of a safe instead of the agent's direct address.
type ScopedExecutionConfig struct {
	ModuleAddress string `toml:"module_address"`
	RoleKey       string `toml:"role_key"`
	SafeAddress   string `toml:"safe_address"`
}

// ChainConfig describes one supported chain.
type ChainConfig struct {
	Providers       []string               `toml:"providers"`
	Assets          []AssetConfig          `toml:"assets"`
	Deployments     DeploymentConfig       `toml:"deployments"`
	InvoiceAge      uint64                 `toml:"invoice_age"` // seconds an invoice must wait before processing
	GasThreshold    string                 `toml:"gas_threshold"`
	DualGas         bool                   `toml:"dual_gas"` // bandwidth+energy style resource model
	ScopedExecution *ScopedExecutionConfig `toml:"scoped_execution"`
}

// DeploymentConfig carries the per-chain contract addresses the agent talks to.
type DeploymentConfig struct {
	Everclear string `toml:"everclear"`
	Multicall string `toml:"multicall"`
}

// Route is a configured (origin, destination, asset) triple with ordered
// bridge preferences. Preferences[i] pairs with SlippagesDbps[i].
type Route struct {
	Origin        uint64   `toml:"origin"`
	Destination   uint64   `toml:"destination"`
	Asset         string   `toml:"asset"` // origin-chain token address
	Maximum       string   `toml:"maximum"`
	Reserve       string   `toml:"reserve"`
	SlippagesDbps []int64  `toml:"slippages_dbps"`
	Preferences   []string `toml:"preferences"`
}

// ReserveAmount returns the route's do-not-touch amount in native precision,
// zero when unset.
func (r *Route) ReserveAmount() *big.Int {
	if r.Reserve == "" {
		return new(big.Int)
	}
	v, ok := new(big.Int).SetString(r.Reserve, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// DatabaseConfig mirrors the connection parameters of the postgres pool.
type DatabaseConfig struct {
	Hostname    string `toml:"hostname"`
	Port        int    `toml:"port"`
	Name        string `toml:"name"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
	MaxIdle     int    `toml:"max_idle"`
	MaxOpen     int    `toml:"max_open"`
	MaxLifetime int    `toml:"max_lifetime"` // seconds
}

// ConnectionString renders the libpq DSN for the configured database.
func (c DatabaseConfig) ConnectionString() string {
	if len(c.User) > 0 && len(c.Password) > 0 {
		return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=disable",
			c.User, c.Password, c.Hostname, c.Port, c.Name)
	}
	if len(c.User) > 0 {
		return fmt.Sprintf("postgresql://%s@%s:%d/%s?sslmode=disable",
			c.User, c.Hostname, c.Port, c.Name)
	}
	return fmt.Sprintf("postgresql://%s:%d/%s?sslmode=disable", c.Hostname, c.Port, c.Name)
}

// RedisConfig names the cache instance backing the pause gate.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// HubConfig names the hub clearing protocol endpoints.
type HubConfig struct {
	APIBaseURL string `toml:"api_base_url"`
	ChainID    uint64 `toml:"chain_id"`
	Provider   string `toml:"provider"`
	Gateway    string `toml:"gateway"` // hub contract address
}

// AdminConfig configures the authenticated admin HTTP surface.
type AdminConfig struct {
	ListenAddr string `toml:"listen_addr"`
	Token      string `toml:"token"`
}

// Duration is a time.Duration that unmarshals from "30s"-style TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PauseDefaults seeds the pause flags at startup when the cache has no value.
type PauseDefaults struct {
	Purchase  bool `toml:"purchase"`
	Rebalance bool `toml:"rebalance"`
	OnDemand  bool `toml:"ondemand"`
}

// Config is the resolved configuration object handed to the core.
type Config struct {
	OwnAddress       string                 `toml:"own_address"`
	Chains           map[string]ChainConfig `toml:"chains"` // keyed by decimal chain id
	SupportedTickers []string               `toml:"supported_tickers"`
	Routes           []Route                `toml:"routes"`
	OnDemandRoutes   []Route                `toml:"on_demand_routes"`
	Database         DatabaseConfig         `toml:"database"`
	Redis            RedisConfig            `toml:"redis"`
	Hub              HubConfig              `toml:"hub"`
	Admin            AdminConfig            `toml:"admin"`
	Bridges          BridgesConfig          `toml:"bridges"`
	PauseDefaults    PauseDefaults          `toml:"pause_defaults"`

	InvoicePollInterval  Duration `toml:"invoice_poll_interval"`
	CallbackPollInterval Duration `toml:"callback_poll_interval"`

	// TagStandaloneAsOrphaned controls whether rebalance operations recorded
	// without an owning earmark (the loser of an earmark race) carry the
	// orphaned flag from birth.
	TagStandaloneAsOrphaned bool `toml:"tag_standalone_as_orphaned"`
}

var (
	ErrNoChains  = errors.New("no chains configured")
	ErrNoAddress = errors.New("own_address not configured")
	ErrNoHub     = errors.New("hub endpoint not configured")
)

// Validate rejects configurations the core cannot start with. Validation
// failures are fatal at startup and never occur in the hot loop.
func (c *Config) Validate() error {
	if c.OwnAddress == "" {
		return ErrNoAddress
	}
	if !common.IsHexAddress(c.OwnAddress) {
		return fmt.Errorf("own_address %q is not a hex address", c.OwnAddress)
	}
	if len(c.Chains) == 0 {
		return ErrNoChains
	}
	if c.Hub.APIBaseURL == "" {
		return ErrNoHub
	}
	for id, chain := range c.Chains {
		if len(chain.Providers) == 0 {
			return fmt.Errorf("chain %s: no providers", id)
		}
		for _, asset := range chain.Assets {
			if asset.Decimals > 18 {
				return fmt.Errorf("chain %s asset %s: unsupported decimals %d", id, asset.Symbol, asset.Decimals)
			}
			if !common.IsHexAddress(asset.Address) {
				return fmt.Errorf("chain %s asset %s: bad address %q", id, asset.Symbol, asset.Address)
			}
		}
		if se := chain.ScopedExecution; se != nil {
			if !common.IsHexAddress(se.ModuleAddress) || !common.IsHexAddress(se.SafeAddress) {
				return fmt.Errorf("chain %s: invalid scoped execution addresses", id)
			}
		}
	}
	for i, route := range append(append([]Route{}, c.Routes...), c.OnDemandRoutes...) {
		if len(route.Preferences) == 0 {
			return fmt.Errorf("route %d (%d->%d): no bridge preferences", i, route.Origin, route.Destination)
		}
		if len(route.Preferences) != len(route.SlippagesDbps) {
			return fmt.Errorf("route %d (%d->%d): %d preferences but %d slippages",
				i, route.Origin, route.Destination, len(route.Preferences), len(route.SlippagesDbps))
		}
		for _, s := range route.SlippagesDbps {
			if s < 0 || s >= DbpsMultiplier {
				return fmt.Errorf("route %d (%d->%d): slippage %d dbps out of range", i, route.Origin, route.Destination, s)
			}
		}
	}
	return nil
}

// AssetByTicker finds the asset configured for a ticker hash on a chain.
func (cc *ChainConfig) AssetByTicker(tickerHash string) (AssetConfig, bool) {
	for _, a := range cc.Assets {
		if equalHex(a.TickerHash, tickerHash) {
			return a, true
		}
	}
	return AssetConfig{}, false
}

// AssetByAddress finds the asset configured at a token address on a chain.
func (cc *ChainConfig) AssetByAddress(address string) (AssetConfig, bool) {
	for _, a := range cc.Assets {
		if common.HexToAddress(a.Address) == common.HexToAddress(address) {
			return a, true
		}
	}
	return AssetConfig{}, false
}

// Chain resolves a chain id against the config map.
func (c *Config) Chain(chainID uint64) (ChainConfig, bool) {
	cc, ok := c.Chains[fmt.Sprintf("%d", chainID)]
	return cc, ok
}

func equalHex(a, b string) bool {
	return common.HexToHash(a) == common.HexToHash(b)
}
