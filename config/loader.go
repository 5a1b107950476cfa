package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultInvoicePollInterval  = 30 * time.Second
	defaultCallbackPollInterval = 60 * time.Second
	defaultDBMaxOpen            = 16
	defaultDBMaxIdle            = 4
)

// Load reads, defaults and validates a resolved configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.InvoicePollInterval == 0 {
		c.InvoicePollInterval = Duration(defaultInvoicePollInterval)
	}
	if c.CallbackPollInterval == 0 {
		c.CallbackPollInterval = Duration(defaultCallbackPollInterval)
	}
	if c.Database.MaxOpen == 0 {
		c.Database.MaxOpen = defaultDBMaxOpen
	}
	if c.Database.MaxIdle == 0 {
		c.Database.MaxIdle = defaultDBMaxIdle
	}
}
