package config_test

import (
	"WardProtocol/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ward.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.FeedWebsocket, cfg.Ledger.Feed)
	assert.Equal(t, 48*time.Hour, cfg.Settlement.DisputeWindow)
	assert.Equal(t, 60*time.Second, cfg.Pricing.QuoteFreshness)
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
ledger:
  feed: jetstream
  rpc_url: http://rippled:5005
monitor:
  accounts: [rBroker1, rBroker2]
  reconnect_cap: 2m
pricing:
  quote_freshness: 90s
settlement:
  signers: [alice, bob, carol]
  threshold: 2
pools:
  - id: pool-1
    account: rPool
    capital: 500000
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.FeedJetStream, cfg.Ledger.Feed)
	assert.Equal(t, "http://rippled:5005", cfg.Ledger.RPCURL)
	assert.Equal(t, []string{"rBroker1", "rBroker2"}, cfg.Monitor.Accounts)
	assert.Equal(t, 2*time.Minute, cfg.Monitor.ReconnectCap)
	assert.Equal(t, time.Second, cfg.Monitor.ReconnectBase, "unset keys keep their defaults")
	assert.Equal(t, 90*time.Second, cfg.Pricing.QuoteFreshness)
	assert.Equal(t, 2, cfg.Settlement.Threshold)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, int64(500_000), cfg.Pools[0].Capital)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "nats:\n  url: nats://file:4222\n")
	t.Setenv("WARD_NATS_URL", "nats://env:4222")
	t.Setenv("WARD_SIGNERS", "alice, bob,,carol ")
	t.Setenv("WARD_SIGNER_THRESHOLD", "2")
	t.Setenv("WARD_QUOTE_FRESHNESS", "30s")
	t.Setenv("WARD_WORKERS", "not-a-number")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.Settlement.Signers)
	assert.Equal(t, 2, cfg.Settlement.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Pricing.QuoteFreshness)
	assert.Equal(t, 8, cfg.Pipeline.Workers, "unparseable values fall back")
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, "ledger: [not, a, map]\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"unknown feed", func(c *config.Config) { c.Ledger.Feed = "carrier-pigeon" }, "ledger.feed"},
		{"threshold above signers", func(c *config.Config) {
			c.Settlement.Signers = []string{"alice", "bob"}
			c.Settlement.Threshold = 3
		}, "exceeds 2 signers"},
		{"no workers", func(c *config.Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"websocket without url", func(c *config.Config) { c.Ledger.WSURL = "" }, "ledger.ws_url"},
		{"duplicate pool", func(c *config.Config) {
			c.Pools = []config.PoolConfig{{ID: "p", Account: "rA"}, {ID: "p", Account: "rB"}}
		}, "declared twice"},
		{"pool without account", func(c *config.Config) {
			c.Pools = []config.PoolConfig{{ID: "p"}}
		}, "non-negative capital"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
