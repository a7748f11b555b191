package settler

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// Driver advances each market's round through settle and clear.
type Driver struct {
	writer domain.RoundWriter
	now    func() time.Time
	logger *slog.Logger
}

// NewDriver creates a Driver.
func NewDriver(writer domain.RoundWriter, now func() time.Time, logger *slog.Logger) *Driver {
	if now == nil {
		now = time.Now
	}
	return &Driver{writer: writer, now: now, logger: logger}
}

// Drive performs the writes a market needs for its phase and reports whether
// it ended the tick with no active round.
//
//	ready              -> ready, no write
//	expired_unsettled  -> settle, clear -> ready
//	expired_settled    -> clear -> ready
//	active, unknown    -> not ready
func (d *Driver) Drive(ctx context.Context, st MarketStatus, readAt time.Time) domain.MarketResult {
	res := domain.MarketResult{
		Symbol: st.Symbol,
		Phase:  st.Phase,
	}
	if st.Round != nil {
		res.Round = st.Round.Ref
		res.Remaining = st.Round.Remaining(readAt)
	}

	switch st.Phase {
	case domain.PhaseReady:
		res.Ready = true

	case domain.PhaseActive:
		d.logger.InfoContext(ctx, "round active",
			slog.String("market", st.Symbol),
			slog.Duration("remaining", res.Remaining),
		)

	case domain.PhaseExpiredUnsettled:
		if !d.do(ctx, &res, domain.ActionSettle, string(st.Round.Ref), func() (domain.TxReceipt, error) {
			return d.writer.Settle(ctx, st.Round.Ref)
		}) {
			return res
		}
		res.Ready = d.clear(ctx, &res, st.Symbol)

	case domain.PhaseExpiredSettled:
		res.Ready = d.clear(ctx, &res, st.Symbol)

	default:
		if st.Err != nil {
			res.Err = st.Err.Error()
		}
	}
	return res
}

func (d *Driver) clear(ctx context.Context, res *domain.MarketResult, symbol string) bool {
	return d.do(ctx, res, domain.ActionClear, symbol, func() (domain.TxReceipt, error) {
		return d.writer.ClearSettledRound(ctx, symbol)
	})
}

// do runs one write, appends its ActionResult and reports success. Nothing is
// sent once ctx is done; the write is recorded as failed with the cause.
func (d *Driver) do(ctx context.Context, res *domain.MarketResult, action domain.Action, target string, fn func() (domain.TxReceipt, error)) bool {
	var rcpt domain.TxReceipt
	err := context.Cause(ctx)
	if err == nil {
		d.logger.InfoContext(ctx, "sending "+string(action),
			slog.String("market", res.Symbol),
			slog.String("target", target),
		)
		rcpt, err = fn()
	}
	ar := domain.ActionResult{
		Action: action,
		Target: target,
		TxHash: rcpt.TxHash,
		Block:  rcpt.BlockNumber,
		At:     d.now().UTC(),
	}
	if err != nil {
		ar.Err = err.Error()
		res.Err = ar.Err
		res.Actions = append(res.Actions, ar)
		d.logger.ErrorContext(ctx, string(action)+" failed",
			slog.String("market", res.Symbol),
			slog.String("target", target),
			slog.String("error", ar.Err),
		)
		return false
	}

	res.Actions = append(res.Actions, ar)
	d.logger.InfoContext(ctx, string(action)+" confirmed",
		slog.String("market", res.Symbol),
		slog.String("tx", ar.TxHash),
		slog.Uint64("block", ar.Block),
	)
	return true
}
