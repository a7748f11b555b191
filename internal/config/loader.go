package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ROUNDKEEPER_* environment variable overrides, and
// returns the final Config. A missing file is not an error: the defaults plus
// environment are used. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ROUNDKEEPER_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "ROUNDKEEPER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.PrivateKey, "PRIVATE_KEY") // deploy-script compatibility
	setStr(&cfg.Wallet.EncryptedKeyPath, "ROUNDKEEPER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ROUNDKEEPER_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.Network, "ROUNDKEEPER_CHAIN_NETWORK")
	setStr(&cfg.Chain.RPCURL, "RPC_URL_CELO_SEPOLIA") // deploy-script compatibility
	setStr(&cfg.Chain.RPCURL, "ROUNDKEEPER_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "ROUNDKEEPER_CHAIN_CHAIN_ID")
	setDuration(&cfg.Chain.ReceiptTimeout, "ROUNDKEEPER_CHAIN_RECEIPT_TIMEOUT")
	setDuration(&cfg.Chain.ReceiptPoll, "ROUNDKEEPER_CHAIN_RECEIPT_POLL")
	setInt(&cfg.Chain.GasBufferPct, "ROUNDKEEPER_CHAIN_GAS_BUFFER_PCT")

	// ── Contracts ──
	setStr(&cfg.Contracts.MarketManager, "ROUNDKEEPER_CONTRACTS_MARKET_MANAGER")
	setStr(&cfg.Contracts.BatchCreator, "ROUNDKEEPER_CONTRACTS_BATCH_CREATOR")
	setStr(&cfg.Contracts.Oracle, "ROUNDKEEPER_CONTRACTS_ORACLE")

	// ── Settler ──
	setBool(&cfg.Settler.Enabled, "ROUNDKEEPER_SETTLER_ENABLED")
	setStringSlice(&cfg.Settler.Markets, "ROUNDKEEPER_SETTLER_MARKETS")
	setDuration(&cfg.Settler.Interval, "ROUNDKEEPER_SETTLER_INTERVAL")
	setDuration(&cfg.Settler.LockTTL, "ROUNDKEEPER_SETTLER_LOCK_TTL")

	// ── Oracle ──
	setBool(&cfg.Oracle.Enabled, "ROUNDKEEPER_ORACLE_ENABLED")
	setDuration(&cfg.Oracle.Interval, "ROUNDKEEPER_ORACLE_INTERVAL")
	setStr(&cfg.Oracle.PriceURL, "ROUNDKEEPER_ORACLE_PRICE_URL")
	setStr(&cfg.Oracle.APIKey, "ROUNDKEEPER_ORACLE_API_KEY")
	setFloat64(&cfg.Oracle.RateLimit, "ROUNDKEEPER_ORACLE_RATE_LIMIT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ROUNDKEEPER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ROUNDKEEPER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ROUNDKEEPER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ROUNDKEEPER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ROUNDKEEPER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ROUNDKEEPER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ROUNDKEEPER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ROUNDKEEPER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ROUNDKEEPER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ROUNDKEEPER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ROUNDKEEPER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ROUNDKEEPER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ROUNDKEEPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ROUNDKEEPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ROUNDKEEPER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ROUNDKEEPER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ROUNDKEEPER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ROUNDKEEPER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ROUNDKEEPER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ROUNDKEEPER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ROUNDKEEPER_S3_REGION")
	setStr(&cfg.S3.Bucket, "ROUNDKEEPER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ROUNDKEEPER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ROUNDKEEPER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ROUNDKEEPER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ROUNDKEEPER_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ROUNDKEEPER_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ROUNDKEEPER_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "ROUNDKEEPER_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ROUNDKEEPER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ROUNDKEEPER_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ROUNDKEEPER_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "ROUNDKEEPER_SERVER_CORS_ORIGINS")
	setFloat64(&cfg.Server.RateLimit, "ROUNDKEEPER_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "ROUNDKEEPER_SERVER_RATE_BURST")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ROUNDKEEPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ROUNDKEEPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ROUNDKEEPER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ROUNDKEEPER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ROUNDKEEPER_MODE")
	setStr(&cfg.LogLevel, "ROUNDKEEPER_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
