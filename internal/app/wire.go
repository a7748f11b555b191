package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/roundkeeper/internal/blob/s3"
	"github.com/alanyoungcy/roundkeeper/internal/cache/redis"
	"github.com/alanyoungcy/roundkeeper/internal/config"
	"github.com/alanyoungcy/roundkeeper/internal/crypto"
	"github.com/alanyoungcy/roundkeeper/internal/domain"
	"github.com/alanyoungcy/roundkeeper/internal/metrics"
	"github.com/alanyoungcy/roundkeeper/internal/notify"
	"github.com/alanyoungcy/roundkeeper/internal/platform/chain"
	"github.com/alanyoungcy/roundkeeper/internal/server/handler"
	"github.com/alanyoungcy/roundkeeper/internal/store/memory"
	"github.com/alanyoungcy/roundkeeper/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Chain
	Contracts *chain.Contracts
	Sender    common.Address // zero when read-only

	// Stores. TickStore falls back to an in-memory buffer without Postgres;
	// AuditStore is nil then.
	TickStore  domain.TickStore
	AuditStore domain.AuditStore

	// Caches. All nil without Redis.
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage. Nil unless S3, Postgres and archiving are all enabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Alerts   *notify.Alerts
	Metrics  *metrics.Metrics

	// Checks backs GET /api/health.
	Checks map[string]handler.Check
}

// WireChain dials the RPC endpoint and binds the contracts. When signed is
// true the wallet is loaded and writes are enabled; otherwise the bindings
// are read-only.
func WireChain(ctx context.Context, cfg *config.Config, signed bool, logger *slog.Logger) (*chain.Contracts, common.Address, func(), error) {
	eth, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, common.Address{}, nil, fmt.Errorf("wire: %w", err)
	}

	var (
		signer chain.Signer
		sender common.Address
	)
	if signed {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			eth.Close()
			return nil, common.Address{}, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		ts, err := crypto.NewTxSigner(key, cfg.Chain.ChainID)
		if err != nil {
			eth.Close()
			return nil, common.Address{}, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		signer, sender = ts, ts.Address()
	}

	client := chain.NewClient(eth, signer, chain.Options{
		ReceiptTimeout:   cfg.Chain.ReceiptTimeout.Duration,
		ReceiptPoll:      cfg.Chain.ReceiptPoll.Duration,
		GasLimitFallback: cfg.Chain.GasLimitFallback,
		GasBufferPct:     cfg.Chain.GasBufferPct,
	}, logger)

	contracts := chain.NewContracts(client, chain.Addresses{
		MarketManager: common.HexToAddress(cfg.Contracts.MarketManager),
		BatchCreator:  common.HexToAddress(cfg.Contracts.BatchCreator),
		Oracle:        common.HexToAddress(cfg.Contracts.Oracle),
	})
	return contracts, sender, eth.Close, nil
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases them in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Chain ---
	contracts, sender, closeChain, err := WireChain(ctx, cfg, cfg.NeedsWallet(), logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeChain)
	deps.Contracts, deps.Sender = contracts, sender
	if sender != (common.Address{}) {
		logger.InfoContext(ctx, "wallet loaded", slog.String("address", sender.Hex()))
	} else {
		logger.InfoContext(ctx, "chain bindings are read-only")
	}

	// --- PostgreSQL ---
	var ticks *postgres.TickStore
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		ticks = postgres.NewTickStore(pool)
		deps.TickStore = ticks
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	} else {
		deps.TickStore = memory.NewTickStore(memory.DefaultCapacity)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Oracle.CacheTTL.Duration)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Checks["s3"] = s3Client.Health

		// Archiving moves rows out of Postgres; the in-memory buffer trims
		// itself.
		switch {
		case !cfg.Archive.Enabled:
		case ticks == nil:
			logger.WarnContext(ctx, "archive.enabled ignored: postgres is disabled")
		default:
			deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), ticks, deps.AuditStore)
		}
	} else if cfg.Archive.Enabled {
		logger.WarnContext(ctx, "archive.enabled ignored: s3 is disabled")
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Alerts = notify.NewAlerts(deps.Notifier)

	return deps, cleanup, nil
}
