package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/roundkeeper/internal/app"
	"github.com/alanyoungcy/roundkeeper/internal/config"
	"github.com/alanyoungcy/roundkeeper/internal/crypto"
	"github.com/alanyoungcy/roundkeeper/internal/domain"
	"github.com/alanyoungcy/roundkeeper/internal/oracle"
	"github.com/alanyoungcy/roundkeeper/internal/platform/chain"
	"github.com/alanyoungcy/roundkeeper/internal/settler"
)

type cliEnv struct {
	cfg    *config.Config
	out    io.Writer
	logger *slog.Logger
	signed bool

	contracts *chain.Contracts
	closeFn   func()
}

// dial connects on first use so offline commands never touch the network.
func (e *cliEnv) dial(ctx context.Context) (*chain.Contracts, error) {
	if e.contracts != nil {
		return e.contracts, nil
	}
	c, sender, closeFn, err := app.WireChain(ctx, e.cfg, e.signed, e.logger)
	if err != nil {
		return nil, err
	}
	if e.signed {
		fmt.Fprintf(e.out, "sender %s on %s\n", sender.Hex(), e.cfg.Chain.Network)
	}
	e.contracts, e.closeFn = c, closeFn
	return c, nil
}

func (e *cliEnv) close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}

func (e *cliEnv) newSettler(ctx context.Context) (*settler.Settler, error) {
	c, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	cfg := settler.DefaultConfig()
	cfg.Markets = e.cfg.Settler.Markets
	cfg.Interval = e.cfg.Settler.Interval.Duration
	return settler.New(c, cfg, e.logger)
}

func runStatus(ctx context.Context, env *cliEnv, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	st, err := env.newSettler(ctx)
	if err != nil {
		return err
	}
	return renderStatus(env.out, st.Status(ctx), time.Now())
}

func renderStatus(w io.Writer, statuses []settler.MarketStatus, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header("Market", "Feed ID", "Initialized", "Paused", "Phase", "Round", "Rounds", "Ends in", "Settled", "Error")
	for _, st := range statuses {
		feed, initialized, paused := "-", "-", "-"
		if st.Info.FeedID != "" {
			feed = shortHex(st.Info.FeedID)
			initialized = fmt.Sprintf("%t", st.Info.Initialized)
			paused = fmt.Sprintf("%t", st.Info.Paused)
		}
		round, ends, settled := "-", "-", "-"
		if r := st.Round; r != nil {
			round = shortHex(r.Ref.String())
			ends = r.Remaining(now).Truncate(time.Second).String()
			settled = fmt.Sprintf("%t", r.Settled)
		}
		errText := ""
		if st.Err != nil {
			errText = st.Err.Error()
		}
		if err := table.Append(
			st.Symbol,
			feed,
			initialized,
			paused,
			string(st.Phase),
			round,
			fmt.Sprintf("%d", st.Info.RoundCount),
			ends,
			settled,
			errText,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func shortHex(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:6] + ".." + s[len(s)-4:]
}

func runTick(ctx context.Context, env *cliEnv, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	st, err := env.newSettler(ctx)
	if err != nil {
		return err
	}
	report, err := st.Tick(ctx)
	if err != nil {
		return err
	}
	return renderTick(env.out, report)
}

func renderTick(w io.Writer, r domain.TickReport) error {
	table := tablewriter.NewWriter(w)
	table.Header("Market", "Phase", "Actions", "Ready", "Error")
	for _, m := range r.Markets {
		actions := make([]string, 0, len(m.Actions))
		for _, a := range m.Actions {
			status := "ok"
			if !a.OK() {
				status = "failed"
			}
			actions = append(actions, fmt.Sprintf("%s:%s", a.Action, status))
		}
		if err := table.Append(
			m.Symbol,
			string(m.Phase),
			strings.Join(actions, " "),
			fmt.Sprintf("%t", m.Ready),
			m.Err,
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(w, "%d of %d markets ready in %s\n", r.Ready, r.Total, r.Duration().Truncate(time.Millisecond))
	switch b := r.Batch; {
	case b == nil:
		fmt.Fprintln(w, "batch: not attempted")
	case !b.OK():
		fmt.Fprintf(w, "batch: failed: %s\n", b.Err)
	default:
		fmt.Fprintf(w, "batch: created in %s\n", b.TxHash)
		if b.StartTime != nil {
			fmt.Fprintf(w, "new rounds start at %s\n", b.StartTime.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

func runClear(ctx context.Context, env *cliEnv, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	c, err := env.dial(ctx)
	if err != nil {
		return err
	}
	rc, err := c.ClearSettledRound(ctx, strings.ToUpper(args[0]))
	if err != nil {
		return err
	}
	printReceipt(env.out, "clearSettledRound", rc)
	return nil
}

func runBatch(ctx context.Context, env *cliEnv, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	c, err := env.dial(ctx)
	if err != nil {
		return err
	}
	rc, err := c.CreateBatchRounds(ctx, env.cfg.Settler.Markets)
	if err != nil {
		return err
	}
	printReceipt(env.out, "createBatchRounds", rc)
	return nil
}

func printReceipt(w io.Writer, label string, rc domain.TxReceipt) {
	fmt.Fprintf(w, "%s mined: tx %s block %d gas %d\n", label, rc.TxHash, rc.BlockNumber, rc.GasUsed)
}

func runPrices(ctx context.Context, env *cliEnv, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	c, err := env.dial(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(env.out)
	table.Header("Market", "Raw", "USD")
	for _, sym := range env.cfg.Settler.Markets {
		raw, err := c.ReadPrice(ctx, sym)
		if err != nil {
			if err := table.Append(sym, "-", err.Error()); err != nil {
				return err
			}
			continue
		}
		usd := oracle.Unscale(raw, env.cfg.Oracle.Decimals)
		if err := table.Append(sym, raw.String(), usd.StringFixed(2)); err != nil {
			return err
		}
	}
	return table.Render()
}

func runMarkets(ctx context.Context, env *cliEnv, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	c, err := env.dial(ctx)
	if err != nil {
		return err
	}
	all, err := c.AllMarkets(ctx)
	if err != nil {
		return err
	}

	rows := make([]marketRow, 0, len(all))
	for _, sym := range all {
		info, err := c.MarketInfo(ctx, sym)
		info.Symbol = sym
		rows = append(rows, marketRow{info: info, err: err})
	}
	return renderMarkets(env.out, rows, env.cfg.Settler.Markets)
}

type marketRow struct {
	info domain.MarketInfo
	err  error
}

func renderMarkets(w io.Writer, rows []marketRow, trackedMarkets []string) error {
	tracked := make(map[string]bool, len(trackedMarkets))
	for _, m := range trackedMarkets {
		tracked[m] = true
	}

	table := tablewriter.NewWriter(w)
	table.Header("Market", "Feed ID", "Initialized", "Paused", "Rounds", "Tracked", "Error")
	for _, r := range rows {
		feed, initialized, paused, rounds, errText := "-", "-", "-", "-", ""
		if r.err != nil {
			errText = r.err.Error()
		} else {
			feed = r.info.FeedID
			initialized = fmt.Sprintf("%t", r.info.Initialized)
			paused = fmt.Sprintf("%t", r.info.Paused)
			rounds = fmt.Sprintf("%d", r.info.RoundCount)
		}
		if err := table.Append(
			r.info.Symbol,
			feed,
			initialized,
			paused,
			rounds,
			fmt.Sprintf("%t", tracked[r.info.Symbol]),
			errText,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

// runEncryptKey reads the key and password from the environment so neither
// ends up in shell history. The sealed key goes to the file given as the
// only argument, or stdout.
func runEncryptKey(_ context.Context, env *cliEnv, args []string) error {
	if len(args) > 1 {
		return usageError{}
	}
	raw := os.Getenv("ROUNDKEEPER_RAW_KEY")
	password := os.Getenv("ROUNDKEEPER_WALLET_KEY_PASSWORD")
	if raw == "" || password == "" {
		return errors.New("ROUNDKEEPER_RAW_KEY and ROUNDKEEPER_WALLET_KEY_PASSWORD must both be set")
	}

	sealed, err := crypto.EncryptKey(raw, password)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		_, err = fmt.Fprintln(env.out, string(sealed))
		return err
	}
	if err := os.WriteFile(args[0], sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", args[0], err)
	}
	fmt.Fprintf(env.out, "encrypted key written to %s\n", args[0])
	return nil
}
