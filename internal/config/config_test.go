package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
http:
  port: 9090
orders:
  file: data/orders.json
chains:
  8453:
    name: base
    rpc_url: https://mainnet.base.org
    stablecoin: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    decimals: 6
    eip1559: true
  56:
    name: bsc
    rpc_url: https://bsc-dataseed.bnbchain.org
    decimals: 18
venues:
  polymarket:
    chain_id: 137
    min_order_value: "1"
  limitless:
    chain_id: 8453
    fee_rate_bps: 300
  opinion:
    chain_id: 56
    min_order_value: "1.30"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsAndValues(t *testing.T) {
	t.Setenv("OWNER_PRIVATE_KEY", "")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "127.0.0.1", cfg.HTTP.Host)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Orders.TickInterval)
	assert.Equal(t, "https://li.quest/v1", cfg.LiFi.BaseURL)
	assert.Equal(t, "0.50", cfg.LiFi.Slippage)
	assert.Equal(t, "0.05", cfg.LiFi.SlippageSell)
	assert.Equal(t, 2*time.Second, cfg.Redis.TTL)
	assert.Equal(t, "config/catalog", cfg.Catalog.Dir)

	require.Contains(t, cfg.Chains, int64(8453))
	assert.True(t, cfg.Chains[8453].EIP1559)
	assert.Equal(t, int32(18), cfg.Chains[56].Decimals)
	assert.Equal(t, int64(300), cfg.Venues["limitless"].FeeRateBps)
}

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv("OWNER_PRIVATE_KEY", "deadbeef")
	t.Setenv("BASE_RPC", "https://base.example")
	t.Setenv("HTTP_PORT", "7001")
	t.Setenv("LIMITLESS_API_KEY", "ll-key")
	t.Setenv("OPINION_PRIVATE_KEY", "cafe")
	t.Setenv("OPINION_API_KEY", "op-key")
	t.Setenv("OPINION_WALLET_ADDRESS", "0x00000000000000000000000000000000000000aa")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "deadbeef", cfg.OwnerKey)
	assert.Equal(t, "https://base.example", cfg.Chains[8453].RPCURL)
	assert.Equal(t, 7001, cfg.HTTP.Port)

	// EOA venues sign with the owner key, opinion with its own.
	assert.Equal(t, "deadbeef", cfg.Venues["polymarket"].SigningKey)
	assert.Equal(t, "deadbeef", cfg.Venues["limitless"].SigningKey)
	assert.Equal(t, "ll-key", cfg.Venues["limitless"].APIKey)
	assert.Equal(t, "cafe", cfg.Venues["opinion"].SigningKey)
	assert.Equal(t, "op-key", cfg.Venues["opinion"].APIKey)
}

func TestEnabledVenues(t *testing.T) {
	t.Setenv("OWNER_PRIVATE_KEY", "deadbeef")
	t.Setenv("OPINION_PRIVATE_KEY", "cafe")
	t.Setenv("OPINION_API_KEY", "")
	t.Setenv("OPINION_WALLET_ADDRESS", "")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	// Opinion is disabled without its wallet and api key; EOA venues stay.
	enabled := cfg.EnabledVenues()
	assert.Contains(t, enabled, "polymarket")
	assert.Contains(t, enabled, "limitless")
	assert.NotContains(t, enabled, "opinion")

	t.Setenv("OWNER_PRIVATE_KEY", "")
	cfg, err = Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Empty(t, cfg.EnabledVenues())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func writeCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"polymarket.json": `{
			"nba-finals-2026": {
				"title": "NBA Finals 2026",
				"outcomes": {
					"thunder": {"market_id": "0xcond", "yes": "111", "no": "222"},
					"nuggets": {"market_id": "0xcond2", "yes": "333", "no": "444"}
				}
			}
		}`,
		"limitless.json": `{
			"nba-finals-2026": {
				"outcomes": {
					"thunder": {"slug": "nba-thunder-2026"}
				}
			},
			"nfl-sb-2027": {
				"outcomes": {"chiefs": {"slug": "nfl-chiefs"}}
			}
		}`,
		"notes.txt": "ignored",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestCatalog_Lookups(t *testing.T) {
	cat, err := LoadCatalog(writeCatalog(t))
	require.NoError(t, err)

	k, ok := cat.Key("polymarket", "nba-finals-2026", "thunder")
	require.True(t, ok)
	assert.Equal(t, "0xcond", k.MarketID)
	assert.Equal(t, "111", k.Token("yes"))
	assert.Equal(t, "222", k.Token("no"))

	k, ok = cat.Key("limitless", "nba-finals-2026", "thunder")
	require.True(t, ok)
	assert.Equal(t, "nba-thunder-2026", k.Slug)

	_, ok = cat.Key("limitless", "nba-finals-2026", "nuggets")
	assert.False(t, ok)
	_, ok = cat.Key("opinion", "nba-finals-2026", "thunder")
	assert.False(t, ok)

	platforms := cat.EventPlatforms("nba-finals-2026")
	assert.Equal(t, []string{"limitless", "polymarket"}, platforms["thunder"])
	assert.Equal(t, []string{"polymarket"}, platforms["nuggets"])

	assert.Equal(t, []string{"nba-finals-2026", "nfl-sb-2027"}, cat.Events())
}

func TestLoadCatalog_MissingDir(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
