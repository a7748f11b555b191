package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
	"github.com/alanyoungcy/roundkeeper/internal/oracle"
	"github.com/alanyoungcy/roundkeeper/internal/pipeline"
	"github.com/alanyoungcy/roundkeeper/internal/platform/coingecko"
	"github.com/alanyoungcy/roundkeeper/internal/server"
	"github.com/alanyoungcy/roundkeeper/internal/server/handler"
	"github.com/alanyoungcy/roundkeeper/internal/server/ws"
	"github.com/alanyoungcy/roundkeeper/internal/settler"
)

// SettleMode runs the settlement poller, the archiver and the HTTP server.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	g, ctx := errgroup.WithContext(ctx)

	st, err := a.newSettler(deps, true)
	if err != nil {
		return fmt.Errorf("settle mode: %w", err)
	}
	g.Go(func() error { return st.Run(ctx) })

	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, st, true, nil)

	return g.Wait()
}

// OracleMode runs only the price updater and the HTTP server.
func (a *App) OracleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting oracle mode")

	g, ctx := errgroup.WithContext(ctx)

	up, err := a.newUpdater(deps)
	if err != nil {
		return fmt.Errorf("oracle mode: %w", err)
	}
	g.Go(func() error { return up.Run(ctx) })

	a.startHTTPServer(ctx, g, deps, nil, false, up)

	return g.Wait()
}

// MonitorMode serves the read-only API and the event stream. No transaction
// is ever sent; /api/markets reads chain state on demand.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	st, err := a.newSettler(deps, false)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false, but monitor mode always runs the server")
	}
	a.serve(ctx, g, deps, st, false, nil)

	return g.Wait()
}

// FullMode runs every enabled subsystem in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	var (
		st  *settler.Settler
		up  *oracle.Updater
		err error
	)
	if a.cfg.Settler.Enabled {
		if st, err = a.newSettler(deps, true); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
		g.Go(func() error { return st.Run(ctx) })
	}
	if a.cfg.Oracle.Enabled {
		if up, err = a.newUpdater(deps); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
		g.Go(func() error { return up.Run(ctx) })
	}
	if st == nil && up == nil {
		a.logger.WarnContext(ctx, "settler and oracle are both disabled; serving the API only")
	}

	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, st, st != nil, up)

	return g.Wait()
}

// newSettler builds the settler. A running settler reports every tick to
// the metrics, alerts, tick store, audit log and bus; a read-only one only
// serves Status.
func (a *App) newSettler(deps *Dependencies, running bool) (*settler.Settler, error) {
	cfg := settler.DefaultConfig()
	cfg.Markets = a.cfg.Settler.Markets
	cfg.Interval = a.cfg.Settler.Interval.Duration
	cfg.LockTTL = a.cfg.Settler.LockTTL.Duration

	if !running {
		return settler.New(deps.Contracts, cfg, a.logger)
	}

	sinks := []settler.Sink{
		deps.Metrics,
		deps.Alerts,
		settler.SinkFunc(deps.TickStore.Insert),
	}
	if deps.AuditStore != nil {
		sinks = append(sinks, auditBatches(deps.AuditStore))
	}
	if deps.SignalBus != nil {
		bus := deps.SignalBus
		sinks = append(sinks, settler.SinkFunc(func(ctx context.Context, r domain.TickReport) error {
			return publishJSON(ctx, bus, domain.ChannelTicks, r)
		}))
	}

	opts := []settler.Option{settler.WithSinks(sinks...)}
	if deps.LockManager != nil && cfg.LockTTL > 0 {
		opts = append(opts, settler.WithLock(deps.LockManager))
	}
	return settler.New(deps.Contracts, cfg, a.logger, opts...)
}

// auditBatches records every batch attempt in the audit log.
func auditBatches(audit domain.AuditStore) settler.Sink {
	return settler.SinkFunc(func(ctx context.Context, r domain.TickReport) error {
		if r.Batch == nil {
			return nil
		}
		event := "settler.batch_created"
		if !r.Batch.OK() {
			event = "settler.batch_failed"
		}
		return audit.Log(ctx, event, map[string]any{
			"tick":    r.ID,
			"symbols": r.Batch.Symbols,
			"tx":      r.Batch.TxHash,
			"error":   r.Batch.Err,
		})
	})
}

func (a *App) newUpdater(deps *Dependencies) (*oracle.Updater, error) {
	source := coingecko.NewClient(
		a.cfg.Oracle.PriceURL,
		a.cfg.Oracle.APIKey,
		a.cfg.Oracle.CoinIDs,
		a.cfg.Oracle.RateLimit,
		a.logger,
	)
	up, err := oracle.NewUpdater(oracle.Config{
		Symbols:  a.cfg.Settler.Markets,
		Interval: a.cfg.Oracle.Interval.Duration,
		Decimals: a.cfg.Oracle.Decimals,
	}, source, deps.PriceCache, deps.Contracts, a.logger)
	if err != nil {
		return nil, err
	}

	up.OnUpdate(deps.Metrics.HandleOracle)
	up.OnUpdate(deps.Alerts.HandleOracle)
	if deps.SignalBus != nil {
		bus := deps.SignalBus
		up.OnUpdate(func(ctx context.Context, u domain.OracleUpdate) {
			if err := publishJSON(ctx, bus, domain.ChannelOracle, u); err != nil {
				a.logger.WarnContext(ctx, "publish oracle update failed", slog.String("error", err.Error()))
			}
		})
	}
	return up, nil
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	arch := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	g.Go(func() error { return arch.RunCron(ctx, a.cfg.Archive.Cron) })
}

// startHTTPServer starts the API server and, with Redis, the WebSocket hub.
// st may be nil when the settler is disabled; triggerable is false unless
// st.Run is part of g.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	st *settler.Settler,
	triggerable bool,
	up *oracle.Updater,
) {
	if !a.cfg.Server.Enabled {
		return
	}
	a.serve(ctx, g, deps, st, triggerable, up)
}

func (a *App) serve(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	st *settler.Settler,
	triggerable bool,
	up *oracle.Updater,
) {
	var (
		sv handler.SettlerView
		ov handler.OracleView
	)
	if st != nil {
		sv = st
	}
	if up != nil {
		ov = up
	}
	sh := handler.NewSettlerHandler(sv, ov, a.cfg.Mode, a.logger)
	if triggerable && st != nil {
		sh.WithTrigger(st)
	}

	h := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Settler: sh,
		Ticks:   handler.NewTickHandler(deps.TickStore, a.logger),
		Metrics: deps.Metrics.Handler(),
	}

	if deps.SignalBus != nil {
		hub := ws.NewHub(deps.SignalBus, ws.Config{
			Mode:      a.cfg.Mode,
			Markets:   a.cfg.Settler.Markets,
			StartedAt: time.Now().UTC(),
		}, a.cfg.Server.CORSOrigins, a.logger)
		h.Hub = hub
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateBurst:   a.cfg.Server.RateBurst,
	}, h, a.logger)
	g.Go(func() error { return srv.Run(ctx) })
}

func publishJSON(ctx context.Context, bus domain.SignalBus, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("app: marshal %s payload: %w", channel, err)
	}
	return bus.Publish(ctx, channel, payload)
}
