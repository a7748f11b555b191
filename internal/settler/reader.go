// Package settler keeps a fixed set of prediction markets moving in
// lock-step: it settles and clears expired rounds and creates the next batch
// once every market is idle.
package settler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// MarketStatus is the read-only view of one market at the start of a tick.
type MarketStatus struct {
	Symbol string
	Info   domain.MarketInfo
	Round  *domain.RoundInfo // nil when the market has no current round
	Phase  domain.RoundPhase
	Err    error
}

// Reader fetches and classifies market state.
type Reader struct {
	contracts domain.RoundReader
	logger    *slog.Logger
}

// NewReader creates a Reader over the given contracts.
func NewReader(contracts domain.RoundReader, logger *slog.Logger) *Reader {
	return &Reader{contracts: contracts, logger: logger}
}

// Read returns the status of one market at time now. Read failures are
// reported through MarketStatus.Err with phase unknown.
func (r *Reader) Read(ctx context.Context, symbol string, now time.Time) MarketStatus {
	st := MarketStatus{Symbol: symbol, Phase: domain.PhaseUnknown}

	info, err := r.contracts.MarketInfo(ctx, symbol)
	if err != nil {
		st.Err = fmt.Errorf("market info: %w", err)
		return st
	}
	info.Symbol = symbol
	st.Info = info

	if info.CurrentRound.IsZero() {
		st.Phase = domain.PhaseReady
		return st
	}

	round, err := r.contracts.RoundInfo(ctx, info.CurrentRound)
	if err != nil {
		st.Err = fmt.Errorf("round info %s: %w", info.CurrentRound, err)
		return st
	}
	if round.Ref == "" {
		round.Ref = info.CurrentRound
	}
	st.Round = &round
	st.Phase = domain.Classify(&round, now)
	return st
}

// ReadAll reads every symbol in order. One failing market never prevents the
// others from being read.
func (r *Reader) ReadAll(ctx context.Context, symbols []string, now time.Time) []MarketStatus {
	out := make([]MarketStatus, 0, len(symbols))
	for _, sym := range symbols {
		st := r.Read(ctx, sym, now)
		if st.Err != nil {
			r.logger.ErrorContext(ctx, "market read failed",
				slog.String("market", sym),
				slog.String("error", st.Err.Error()),
			)
		} else {
			attrs := []any{slog.String("market", sym), slog.String("phase", string(st.Phase))}
			if st.Round != nil {
				attrs = append(attrs,
					slog.String("round", st.Round.Ref.String()),
					slog.Duration("remaining", st.Round.Remaining(now)),
				)
			}
			r.logger.DebugContext(ctx, "market read", attrs...)
		}
		out = append(out, st)
	}
	return out
}
