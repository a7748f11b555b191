package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"BTC", "ETH", "SOL", "BNB"}, cfg.Settler.Markets)
	assert.Equal(t, 10*time.Second, cfg.Settler.Interval.Duration)
	assert.Equal(t, int64(11142220), cfg.Chain.ChainID)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Contracts.MarketManager = "not-an-address"
	cfg.Settler.Markets = []string{"BTC", "BTC", ""}
	cfg.Settler.Interval.Duration = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, "market_manager")
	assert.Contains(t, msg, `market "BTC" listed twice`)
	assert.Contains(t, msg, "must not be blank")
	assert.Contains(t, msg, "settler: interval must be > 0")
}

func TestValidateWalletRequiredForWrites(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "settle"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet: either private_key or encrypted_key_path")

	cfg.Mode = "monitor"
	assert.NoError(t, cfg.Validate())
}

func TestValidateOracleModeNeedsOracleEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "oracle"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle: enabled must be true in oracle mode")

	cfg.Oracle.Enabled = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateOracleNeedsCoinIDs(t *testing.T) {
	cfg := validConfig()
	cfg.Oracle.Enabled = true
	cfg.Settler.Markets = append(cfg.Settler.Markets, "DOGE")

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `coin_ids has no entry for "DOGE"`)
}

func TestValidateArchiveNeedsStorage(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive: requires both s3 and postgres")
}

func TestValidateArchiveCron(t *testing.T) {
	base := validConfig()
	base.Archive.Enabled = true
	base.S3.Enabled = true
	base.S3.Endpoint = "http://localhost:9000"
	base.S3.Bucket = "ticks"
	base.Postgres.Enabled = true

	for _, expr := range []string{"0 3 * * *", "0 3 1 * mon", "@daily"} {
		cfg := base
		cfg.Archive.Cron = expr
		assert.NotContains(t, errString(cfg.Validate()), "archive: cron", expr)
	}

	cfg := base
	cfg.Archive.Cron = "0 3 * *"
	assert.Contains(t, errString(cfg.Validate()), `archive: cron "0 3 * *"`)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := strings.Join([]string{
		`mode = "settle"`,
		`[settler]`,
		`markets = ["BTC", "ETH"]`,
		`interval = "15s"`,
		`[chain]`,
		`receipt_timeout = "90s"`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("ROUNDKEEPER_SETTLER_INTERVAL", "20s")
	t.Setenv("ROUNDKEEPER_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("ROUNDKEEPER_REDIS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "settle", cfg.Mode)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Settler.Markets)
	assert.Equal(t, 20*time.Second, cfg.Settler.Interval.Duration)
	assert.Equal(t, 90*time.Second, cfg.Chain.ReceiptTimeout.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Redis.Enabled)
	// untouched sections keep their defaults
	assert.Equal(t, "0x5d79005c7272f1F3114bFf79597dA5ECc558dBe2", cfg.Contracts.BatchCreator)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "full", cfg.Mode)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[settler]\ninterval = \"soon\"\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Password = "hunter2"
	cfg.Server.APIKey = ""

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Wallet.PrivateKey)
	assert.Equal(t, redacted, out.Redis.Password)
	assert.Empty(t, out.Server.APIKey)

	out.Settler.Markets[0] = "XRP"
	out.Oracle.CoinIDs["BTC"] = "x"
	assert.Equal(t, "BTC", cfg.Settler.Markets[0])
	assert.Equal(t, "bitcoin", cfg.Oracle.CoinIDs["BTC"])
}
