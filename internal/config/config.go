// Package config loads the router's YAML configuration and overlays secrets
// from the environment. A venue whose signing key or API key is missing is
// disabled rather than failing startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the full router configuration.
type Config struct {
	HTTP    HTTPConfig             `yaml:"http"`
	Orders  OrdersConfig           `yaml:"orders"`
	LiFi    LiFiConfig             `yaml:"lifi"`
	Redis   RedisConfig            `yaml:"redis"`
	Chains  map[int64]ChainConfig  `yaml:"chains"`
	Venues  map[string]VenueConfig `yaml:"venues"`
	Catalog CatalogConfig          `yaml:"catalog"`

	// WalletConnectProjectID is surfaced verbatim by /api/config.
	WalletConnectProjectID string `yaml:"wallet_connect_project_id"`

	// OwnerKey is the hex private key of the relayer / router owner.
	// Environment only, never YAML.
	OwnerKey string `yaml:"-"`
}

// HTTPConfig holds server configuration.
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// OrdersConfig holds the durable order store and progress loop settings.
type OrdersConfig struct {
	File         string        `yaml:"file"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// LiFiConfig holds the bridge quote service settings.
type LiFiConfig struct {
	BaseURL      string `yaml:"base_url"`
	Integrator   string `yaml:"integrator"`
	Slippage     string `yaml:"slippage"`      // buy path
	SlippageSell string `yaml:"slippage_sell"` // bridge-back path
}

// RedisConfig holds the optional orderbook snapshot cache settings.
// An empty Addr disables the cache entirely.
type RedisConfig struct {
	Addr string        `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

// ChainConfig describes one supported chain.
type ChainConfig struct {
	Name       string `yaml:"name"`
	RPCURL     string `yaml:"rpc_url"`
	Router     string `yaml:"router"`
	Stablecoin string `yaml:"stablecoin"`
	Decimals   int32  `yaml:"decimals"`
	EIP1559    bool   `yaml:"eip1559"`
}

// VenueConfig describes one trading venue. Secrets come from the
// environment; everything else from YAML.
type VenueConfig struct {
	ChainID          int64   `yaml:"chain_id"`
	APIURL           string  `yaml:"api_url"`
	Stablecoin       string  `yaml:"stablecoin"`
	Decimals         int32   `yaml:"decimals"`
	ConditionalToken string  `yaml:"conditional_token"`
	Exchange         string  `yaml:"exchange"`
	NegRiskExchange  string  `yaml:"neg_risk_exchange,omitempty"`
	MinOrderValue    string  `yaml:"min_order_value"`
	ShareStep        string  `yaml:"share_step,omitempty"`
	FeeRateBps       int64   `yaml:"fee_rate_bps,omitempty"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps"`

	// Env-sourced.
	SigningKey    string `yaml:"-"`
	APIKey        string `yaml:"-"`
	CustodyWallet string `yaml:"-"`
}

// CatalogConfig points at the read-only event catalog directory.
type CatalogConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads the YAML config at path and overlays environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Host == "" {
		c.HTTP.Host = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 60 * time.Second
	}
	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}
	if c.Orders.File == "" {
		c.Orders.File = "data/orders.json"
	}
	if c.Orders.TickInterval == 0 {
		c.Orders.TickInterval = 10 * time.Second
	}
	if c.LiFi.BaseURL == "" {
		c.LiFi.BaseURL = "https://li.quest/v1"
	}
	if c.LiFi.Integrator == "" {
		c.LiFi.Integrator = "premarket-router"
	}
	if c.LiFi.Slippage == "" {
		c.LiFi.Slippage = "0.50"
	}
	if c.LiFi.SlippageSell == "" {
		c.LiFi.SlippageSell = "0.05"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 2 * time.Second
	}
	if c.Catalog.Dir == "" {
		c.Catalog.Dir = "config/catalog"
	}
}

// rpcEnv maps chain ids to their RPC override variables.
var rpcEnv = map[int64]string{
	8453: "BASE_RPC",
	137:  "POLYGON_RPC",
	56:   "BSC_RPC",
}

func (c *Config) applyEnv() {
	c.OwnerKey = os.Getenv("OWNER_PRIVATE_KEY")
	if v := os.Getenv("WALLET_CONNECT_PROJECT_ID"); v != "" {
		c.WalletConnectProjectID = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = p
		}
	}

	for id, ch := range c.Chains {
		if env := rpcEnv[id]; env != "" {
			if v := os.Getenv(env); v != "" {
				ch.RPCURL = v
			}
		}
		if v := os.Getenv("ROUTER_ADDRESS"); v != "" && ch.Router == "" {
			ch.Router = v
		}
		c.Chains[id] = ch
	}

	for name, v := range c.Venues {
		switch name {
		case "polymarket", "limitless":
			v.SigningKey = c.OwnerKey
		case "opinion":
			v.SigningKey = os.Getenv("OPINION_PRIVATE_KEY")
			v.CustodyWallet = os.Getenv("OPINION_WALLET_ADDRESS")
		}
		switch name {
		case "limitless":
			v.APIKey = os.Getenv("LIMITLESS_API_KEY")
		case "opinion":
			v.APIKey = os.Getenv("OPINION_API_KEY")
		}
		c.Venues[name] = v
	}
}

// EnabledVenues returns the venues whose required secrets are present.
// Missing keys disable the venue instead of failing startup.
func (c *Config) EnabledVenues() map[string]VenueConfig {
	out := make(map[string]VenueConfig, len(c.Venues))
	for name, v := range c.Venues {
		if v.SigningKey == "" {
			log.Warn().Str("venue", name).Msg("signing key missing, venue disabled")
			continue
		}
		if name == "opinion" && (v.CustodyWallet == "" || v.APIKey == "") {
			log.Warn().Str("venue", name).Msg("custody wallet or api key missing, venue disabled")
			continue
		}
		out[name] = v
	}
	return out
}
