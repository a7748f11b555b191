// Package oracle keeps the on-chain multi-asset oracle fed with spot prices.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// PriceSource returns USD prices per symbol; unknown prices are zero.
type PriceSource interface {
	Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// Config is the immutable updater configuration.
type Config struct {
	Symbols  []string
	Interval time.Duration
	Decimals int32
}

// Updater fetches prices, falls back to the last valid ones and pushes them
// to the oracle in one transaction.
type Updater struct {
	cfg    Config
	source PriceSource
	cache  domain.PriceCache
	oracle domain.PriceOracle
	sinks  []func(context.Context, domain.OracleUpdate)
	now    func() time.Time
	logger *slog.Logger

	lastMu sync.RWMutex
	last   *domain.OracleUpdate
}

// NewUpdater builds an Updater. cache may be nil, in which case an in-process
// cache is used.
func NewUpdater(cfg Config, source PriceSource, cache domain.PriceCache, oracle domain.PriceOracle, logger *slog.Logger) (*Updater, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("oracle: no symbols configured")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("oracle: interval must be positive, got %s", cfg.Interval)
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	cfg.Symbols = append([]string(nil), cfg.Symbols...)
	return &Updater{
		cfg:    cfg,
		source: source,
		cache:  cache,
		oracle: oracle,
		now:    time.Now,
		logger: logger.With(slog.String("component", "oracle")),
	}, nil
}

// OnUpdate registers fn to receive every update outcome.
func (u *Updater) OnUpdate(fn func(context.Context, domain.OracleUpdate)) {
	u.sinks = append(u.sinks, fn)
}

// Symbols returns the tracked symbols.
func (u *Updater) Symbols() []string {
	return append([]string(nil), u.cfg.Symbols...)
}

// Last returns the most recent update outcome, if any.
func (u *Updater) Last() (domain.OracleUpdate, bool) {
	u.lastMu.RLock()
	defer u.lastMu.RUnlock()
	if u.last == nil {
		return domain.OracleUpdate{}, false
	}
	return *u.last, true
}

// Update runs one fetch and push cycle.
func (u *Updater) Update(ctx context.Context) domain.OracleUpdate {
	up := domain.OracleUpdate{ID: uuid.NewString(), At: u.now().UTC()}
	defer func() {
		u.lastMu.Lock()
		u.last = &up
		u.lastMu.Unlock()
		for _, fn := range u.sinks {
			fn(ctx, up)
		}
	}()

	prices, source, err := u.resolve(ctx)
	if err != nil {
		up.Skipped = err.Error()
		u.logger.WarnContext(ctx, "oracle update skipped", slog.String("reason", up.Skipped))
		return up
	}
	up.Source = source

	values := make([]*big.Int, len(u.cfg.Symbols))
	up.Prices = make(map[string]string, len(prices))
	up.Scaled = make(map[string]string, len(prices))
	for i, sym := range u.cfg.Symbols {
		values[i] = Scale(prices[sym], u.cfg.Decimals)
		up.Prices[sym] = prices[sym].String()
		up.Scaled[sym] = values[i].String()
	}

	u.logger.InfoContext(ctx, "pushing oracle prices",
		slog.String("source", string(source)),
		slog.Any("prices", up.Prices),
	)
	rcpt, err := u.oracle.SetPrices(ctx, u.cfg.Symbols, values)
	up.TxHash = rcpt.TxHash
	up.Block = rcpt.BlockNumber
	if err != nil {
		up.Err = err.Error()
		u.logger.ErrorContext(ctx, "oracle update failed", slog.String("error", up.Err))
		return up
	}

	up.Readback = make(map[string]string, len(u.cfg.Symbols))
	for _, sym := range u.cfg.Symbols {
		v, err := u.oracle.ReadPrice(ctx, sym)
		if err != nil {
			u.logger.WarnContext(ctx, "oracle read back failed", slog.String("market", sym), slog.String("error", err.Error()))
			continue
		}
		up.Readback[sym] = Unscale(v, u.cfg.Decimals).String()
	}
	u.logger.InfoContext(ctx, "oracle prices updated",
		slog.String("tx", up.TxHash),
		slog.Uint64("block", up.Block),
		slog.Any("readback", up.Readback),
	)
	return up
}

// resolve picks a price for every symbol: fresh API prices where valid, the
// cached last valid price otherwise. It fails with domain.ErrNoPrice when any
// symbol is left without a price.
func (u *Updater) resolve(ctx context.Context) (map[string]decimal.Decimal, domain.PriceSourceKind, error) {
	fetched, err := u.source.Prices(ctx, u.cfg.Symbols)
	if err != nil {
		u.logger.WarnContext(ctx, "price fetch failed", slog.String("error", err.Error()))
		fetched = nil
	}

	now := u.now()
	out := make(map[string]decimal.Decimal, len(u.cfg.Symbols))
	var missing []string
	for _, sym := range u.cfg.Symbols {
		p, ok := fetched[sym]
		if ok && p.IsPositive() {
			out[sym] = p
			f, _ := p.Float64()
			if err := u.cache.SetPrice(ctx, sym, f, now); err != nil {
				u.logger.WarnContext(ctx, "price cache write failed", slog.String("market", sym), slog.String("error", err.Error()))
			}
			continue
		}
		missing = append(missing, sym)
	}
	if len(missing) == 0 {
		return out, domain.PriceFromAPI, nil
	}

	cached, err := u.cache.GetPrices(ctx, missing)
	if err != nil {
		return nil, "", fmt.Errorf("price cache read: %w", err)
	}
	for _, sym := range missing {
		c, ok := cached[sym]
		if !ok || c <= 0 {
			return nil, "", fmt.Errorf("%s: %w", sym, domain.ErrNoPrice)
		}
		out[sym] = decimal.NewFromFloat(c)
	}

	source := domain.PriceMixed
	if len(missing) == len(u.cfg.Symbols) {
		source = domain.PriceFromCache
	}
	u.logger.InfoContext(ctx, "using cached prices", slog.Any("markets", missing))
	return out, source, nil
}

// Run updates immediately, then Interval after each update completes, until
// ctx is cancelled.
func (u *Updater) Run(ctx context.Context) error {
	u.logger.InfoContext(ctx, "oracle updater started",
		slog.Any("markets", u.cfg.Symbols),
		slog.Duration("interval", u.cfg.Interval),
	)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			u.logger.Info("oracle updater stopped")
			return ctx.Err()
		case <-timer.C:
		}
		u.Update(ctx)
		timer.Reset(u.cfg.Interval)
	}
}

// Scale converts a USD price to the oracle's fixed-point integer, rounding
// half away from zero at the last kept decimal.
func Scale(price decimal.Decimal, decimals int32) *big.Int {
	return price.Shift(decimals).Round(0).BigInt()
}

// Unscale converts an oracle integer back to a USD price.
func Unscale(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
