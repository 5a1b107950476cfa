package config

// AcrossBridgeConfig configures the optimistic-relay bridge adapter. Maps
// are keyed by decimal chain id.
type AcrossBridgeConfig struct {
	APIBaseURL string            `toml:"api_base_url"`
	SpokePools map[string]string `toml:"spoke_pools"`
}

// CCTPBridgeConfig configures the burn-and-mint stablecoin bridge adapter.
type CCTPBridgeConfig struct {
	AttestationBaseURL string            `toml:"attestation_base_url"`
	TokenMessengers    map[string]string `toml:"token_messengers"`
	Transmitters       map[string]string `toml:"transmitters"`
	Domains            map[string]uint32 `toml:"domains"`
	BurnTokens         map[string]string `toml:"burn_tokens"`
}

// BinanceBridgeConfig configures the exchange-withdrawal adapter. AssetCaps
// and Minimums are keyed by origin token address, values in native precision.
type BinanceBridgeConfig struct {
	APIBaseURL       string            `toml:"api_base_url"`
	DepositAddresses map[string]string `toml:"deposit_addresses"`
	AssetCaps        map[string]string `toml:"asset_caps"`
	Minimums         map[string]string `toml:"minimums"`
	WithdrawFeeDbps  int64             `toml:"withdraw_fee_dbps"`
}

// BridgesConfig holds the per-adapter settings; a nil section leaves that
// adapter unregistered.
type BridgesConfig struct {
	Across  *AcrossBridgeConfig  `toml:"across"`
	CCTP    *CCTPBridgeConfig    `toml:"cctp"`
	Binance *BinanceBridgeConfig `toml:"binance"`
}
