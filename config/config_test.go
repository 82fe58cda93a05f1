package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 20, cfg.Wallet.GasBufferPct)
	assert.Equal(t, uint64(500000), cfg.Wallet.FallbackGas)
	assert.Equal(t, 2*time.Minute, cfg.Mint.StepTimeout)
	assert.Equal(t, 15*time.Second, cfg.Mint.WaitingNotice)
	assert.Equal(t, 4, cfg.Reconcile.Concurrency)
	assert.True(t, cfg.Reconcile.PromoteSweeps)

	net, err := cfg.ActiveNetwork()
	require.NoError(t, err)
	assert.Equal(t, uint64(11155111), net.ChainID)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
server:
  port: 9090
mint:
  confirm_timeout: 90s
network: local
networks:
  - key: local
    name: Local Devnet
    chain_id: 31337
    rpc_urls: ["http://127.0.0.1:8545"]
    contract_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
`
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Mint.ConfirmTimeout)
	// Defaults still apply for unset values
	assert.Equal(t, 2*time.Second, cfg.Wallet.PollInterval)

	net, err := cfg.ActiveNetwork()
	require.NoError(t, err)
	assert.Equal(t, "Local Devnet", net.Name)
	assert.Equal(t, uint64(31337), net.ChainID)
	assert.Equal(t, []string{"http://127.0.0.1:8545"}, net.RPCURLs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CERTMINT_SERVER_PORT", "7070")
	t.Setenv("CERTMINT_NETWORK", "amoy")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)

	net, err := cfg.ActiveNetwork()
	require.NoError(t, err)
	assert.Equal(t, uint64(80002), net.ChainID)
}

func TestLoadUnknownNetwork(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CERTMINT_NETWORK", "nowhere")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	chdirTemp(t)
	_, err := Load("missing.yaml")
	assert.Error(t, err)
}
