// Package config defines the top-level configuration for roundkeeper and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ROUNDKEEPER_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Chain     ChainConfig     `toml:"chain"`
	Contracts ContractsConfig `toml:"contracts"`
	Settler   SettlerConfig   `toml:"settler"`
	Oracle    OracleConfig    `toml:"oracle"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig holds the signing credential used for every write.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the RPC endpoint and transaction parameters.
type ChainConfig struct {
	Network        string   `toml:"network"`
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int64    `toml:"chain_id"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
	ReceiptPoll    duration `toml:"receipt_poll"`
	// GasLimitFallback is used when gas estimation fails.
	GasLimitFallback uint64 `toml:"gas_limit_fallback"`
	// GasBufferPct is added on top of the estimated gas limit.
	GasBufferPct int `toml:"gas_buffer_pct"`
}

// ContractsConfig holds the deployed contract addresses.
type ContractsConfig struct {
	MarketManager string `toml:"market_manager"`
	BatchCreator  string `toml:"batch_creator"`
	Oracle        string `toml:"oracle"`
}

// SettlerConfig controls the settlement poller.
type SettlerConfig struct {
	Enabled  bool     `toml:"enabled"`
	Markets  []string `toml:"markets"`
	Interval duration `toml:"interval"`
	// LockTTL is the tick lock lease. The holder renews it every third of
	// the TTL while a tick runs and stops writing if renewal fails. Zero
	// disables the distributed lock.
	LockTTL duration `toml:"lock_ttl"`
}

// OracleConfig controls the price updater.
type OracleConfig struct {
	Enabled   bool              `toml:"enabled"`
	Interval  duration          `toml:"interval"`
	PriceURL  string            `toml:"price_url"`
	APIKey    string            `toml:"api_key"`
	Decimals  int32             `toml:"decimals"`
	RateLimit float64           `toml:"rate_limit"`
	CoinIDs   map[string]string `toml:"coin_ids"`
	CacheTTL  duration          `toml:"cache_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the export of old tick reports to S3.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`

	// Per-client requests per second; 0 disables rate limiting.
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with the celoSepolia deployment.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			Network:          "celoSepolia",
			RPCURL:           "https://forno.celo-sepolia.celo-testnet.org",
			ChainID:          11142220,
			ReceiptTimeout:   duration{2 * time.Minute},
			ReceiptPoll:      duration{3 * time.Second},
			GasLimitFallback: 3_000_000,
			GasBufferPct:     20,
		},
		Contracts: ContractsConfig{
			MarketManager: "0x40026B1E50B6105f29b2E2dA59FBE3ef0A79D4cD",
			BatchCreator:  "0x5d79005c7272f1F3114bFf79597dA5ECc558dBe2",
			Oracle:        "0x3841f920A0Ee56Bb75e7D5150ca31Bd641979d1a",
		},
		Settler: SettlerConfig{
			Enabled:  true,
			Markets:  []string{"BTC", "ETH", "SOL", "BNB"},
			Interval: duration{10 * time.Second},
			LockTTL:  duration{5 * time.Minute},
		},
		Oracle: OracleConfig{
			Enabled:   false,
			Interval:  duration{30 * time.Second},
			PriceURL:  "https://api.coingecko.com/api/v3",
			Decimals:  8,
			RateLimit: 0.5,
			CoinIDs: map[string]string{
				"BTC": "bitcoin",
				"ETH": "ethereum",
				"SOL": "solana",
				"BNB": "binancecoin",
			},
			CacheTTL: duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "roundkeeper-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Cron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   10,
			RateBurst:   20,
		},
		Notify: NotifyConfig{
			Events: []string{"batch_created", "settle_failed", "clear_failed", "batch_failed", "oracle_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"settle":  true,
	"oracle":  true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsWallet reports whether the configured mode sends transactions.
func (c *Config) NeedsWallet() bool {
	switch strings.ToLower(c.Mode) {
	case "settle":
		return c.Settler.Enabled
	case "full":
		return c.Settler.Enabled || c.Oracle.Enabled
	case "oracle":
		return true
	}
	return false
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: settle, oracle, monitor, full)", c.Mode))
	}
	if strings.EqualFold(c.Mode, "settle") && !c.Settler.Enabled {
		errs = append(errs, "settler: enabled must be true in settle mode")
	}
	if strings.EqualFold(c.Mode, "oracle") && !c.Oracle.Enabled {
		errs = append(errs, "oracle: enabled must be true in oracle mode")
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.NeedsWallet() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.ReceiptTimeout.Duration <= 0 {
		errs = append(errs, "chain: receipt_timeout must be > 0")
	}
	if c.Chain.ReceiptPoll.Duration <= 0 {
		errs = append(errs, "chain: receipt_poll must be > 0")
	}
	if c.Chain.GasBufferPct < 0 {
		errs = append(errs, "chain: gas_buffer_pct must be >= 0")
	}

	// Contracts
	checkAddr := func(name, v string) {
		if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("contracts: %s %q is not a hex address", name, v))
		}
	}
	checkAddr("market_manager", c.Contracts.MarketManager)
	checkAddr("batch_creator", c.Contracts.BatchCreator)
	if c.Oracle.Enabled {
		checkAddr("oracle", c.Contracts.Oracle)
	}

	// Settler
	if len(c.Settler.Markets) == 0 {
		errs = append(errs, "settler: markets must not be empty")
	}
	seen := make(map[string]bool, len(c.Settler.Markets))
	for _, m := range c.Settler.Markets {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, "settler: market symbols must not be blank")
			continue
		}
		if len(m) > 32 {
			errs = append(errs, fmt.Sprintf("settler: market %q is longer than 32 bytes", m))
		}
		if seen[m] {
			errs = append(errs, fmt.Sprintf("settler: market %q listed twice", m))
		}
		seen[m] = true
	}
	if c.Settler.Interval.Duration <= 0 {
		errs = append(errs, "settler: interval must be > 0")
	}
	if c.Settler.LockTTL.Duration < 0 {
		errs = append(errs, "settler: lock_ttl must be >= 0")
	}

	// Oracle
	if c.Oracle.Enabled {
		if c.Oracle.PriceURL == "" {
			errs = append(errs, "oracle: price_url must not be empty")
		}
		if c.Oracle.Interval.Duration <= 0 {
			errs = append(errs, "oracle: interval must be > 0")
		}
		if c.Oracle.Decimals < 0 || c.Oracle.Decimals > 36 {
			errs = append(errs, fmt.Sprintf("oracle: decimals must be 0-36, got %d", c.Oracle.Decimals))
		}
		if c.Oracle.RateLimit <= 0 {
			errs = append(errs, "oracle: rate_limit must be > 0")
		}
		for _, m := range c.Settler.Markets {
			if c.Oracle.CoinIDs[m] == "" {
				errs = append(errs, fmt.Sprintf("oracle: coin_ids has no entry for %q", m))
			}
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 / archive
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled || !c.Postgres.Enabled {
			errs = append(errs, "archive: requires both s3 and postgres to be enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if _, err := cron.ParseStandard(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: cron %q: %v", c.Archive.Cron, err))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
			errs = append(errs, "server: rate_burst must be >= 1 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
