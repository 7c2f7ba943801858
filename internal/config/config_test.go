package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKeeperConfig(t *testing.T) {
	ownerA := solana.NewWallet().PublicKey()
	ownerB := solana.NewWallet().PublicKey()
	dir := t.TempDir()
	keypair := filepath.Join(dir, "id.json")
	ownerKeypair := filepath.Join(dir, "owner-b.json")

	t.Setenv("KEEPER_KEYPAIR_PATH", keypair)
	t.Setenv("KEEPER_OWNER_KEYPAIRS", " "+ownerKeypair+" ,")
	t.Setenv("KEEPER_OWNERS", ownerA.String()+", "+ownerB.String()+","+ownerA.String())
	t.Setenv("KEEPER_TRIGGER_HEALTH", "40")
	t.Setenv("KEEPER_MAX_REPAY", "25000000")
	t.Setenv("KEEPER_POLL_INTERVAL", "3s")
	t.Setenv("KEEPER_MAX_RETRIES", "4")
	t.Setenv("KEEPER_COLLATERAL_MARKET_INDEX", "2")
	t.Setenv("SOLANA_RPC_URL", "https://rpc.example.org")
	t.Setenv("SOLANA_WS_URL", "")
	t.Setenv("SOLANA_COMMITMENT", "finalized")
	t.Setenv("KEEPER_SPOT_MARKETS", "")
	t.Setenv("JUPITER_API_URL", "https://quote.example.org/v6/")

	cfg, err := LoadKeeperConfig()
	require.NoError(t, err)

	assert.Equal(t, keypair, cfg.KeypairPath)
	assert.Equal(t, []solana.PublicKey{ownerA, ownerB}, cfg.Owners)
	assert.Equal(t, []string{ownerKeypair}, cfg.OwnerKeypairPaths)
	assert.Equal(t, uint8(40), cfg.TriggerHealth)
	assert.Equal(t, uint64(25_000_000), cfg.MaxRepay)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	require.NotNil(t, cfg.MaxRetries)
	assert.Equal(t, uint(4), *cfg.MaxRetries)
	assert.Equal(t, uint16(2), cfg.CollateralMarketIndex)
	assert.Equal(t, []uint16{0, 2}, cfg.SpotMarkets)
	assert.Equal(t, "wss://rpc.example.org", cfg.WSURL)
	assert.Equal(t, rpc.CommitmentFinalized, cfg.Commitment)
	assert.Equal(t, "https://quote.example.org/v6", cfg.JupiterAPIURL)
	assert.Equal(t, defaultAutoRepayProgramID, cfg.Programs.AutoRepayProgramID)
	assert.Equal(t, defaultUSDCMint, cfg.RepayMint)
	assert.Equal(t, "keeper.log", filepath.Base(cfg.Log.FilePath))
}

func TestLoadKeeperConfigRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "trigger above 100", key: "KEEPER_TRIGGER_HEALTH", value: "101"},
		{name: "quote market as collateral", key: "KEEPER_COLLATERAL_MARKET_INDEX", value: "0"},
		{name: "bad owner", key: "KEEPER_OWNERS", value: "not-a-key"},
		{name: "slippage above 100%", key: "KEEPER_SLIPPAGE_BPS", value: "10001"},
		{name: "bad duration", key: "KEEPER_TX_TIMEOUT", value: "soon"},
		{name: "bad program id", key: "EXCHANGE_PROGRAM_ID", value: "xyz"},
		{name: "bad market list", key: "KEEPER_SPOT_MARKETS", value: "0,70000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("KEEPER_KEYPAIR_PATH", filepath.Join(t.TempDir(), "id.json"))
			t.Setenv(tc.key, tc.value)
			_, err := LoadKeeperConfig()
			assert.ErrorContains(t, err, tc.key)
		})
	}
}

func TestLoadSimulateConfigProgramOverride(t *testing.T) {
	program := solana.NewWallet().PublicKey()
	t.Setenv("AUTO_REPAY_PROGRAM_ID", program.String())
	t.Setenv("SIMULATE_SCENARIO", "fixtures/a.yaml")
	t.Setenv("SIMULATE_LOG_LEVEL", "debug")

	cfg, err := LoadSimulateConfig()
	require.NoError(t, err)
	assert.Equal(t, program, cfg.Programs.AutoRepayProgramID)
	assert.Equal(t, defaultExchangeProgramID, cfg.Programs.ExchangeProgramID)
	assert.Equal(t, "fixtures/a.yaml", cfg.ScenarioPath)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadAPIServerConfig(t *testing.T) {
	t.Setenv("API_SERVER_DB_DSN", "")
	t.Setenv("JOURNAL_DB_DSN", "postgres://journal")
	t.Setenv("API_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadAPIServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres://journal", cfg.DBDSN)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestFlattenConfig(t *testing.T) {
	out, err := flattenConfig(map[string]any{
		"keeper": map[string]any{
			"trigger-health": 35,
			"owners":         []any{"a", " ", "b"},
			"log":            map[string]any{"level": "warn"},
		},
		"solana rpc url": "http://127.0.0.1:8899",
		"unused":         nil,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"KEEPER_TRIGGER_HEALTH": "35",
		"KEEPER_OWNERS":         "a,b",
		"KEEPER_LOG_LEVEL":      "warn",
		"SOLANA_RPC_URL":        "http://127.0.0.1:8899",
	}, out)

	_, err = flattenConfig(map[string]any{"bad": []any{map[string]any{"x": 1}}})
	assert.Error(t, err)
}

func TestDeriveWSURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8900", deriveWSURL("http://127.0.0.1:8899"))
	assert.Equal(t, "wss://api.mainnet-beta.solana.com", deriveWSURL("https://api.mainnet-beta.solana.com"))
	assert.Equal(t, "ws://node:9000", deriveWSURL("http://node:9000"))
}
