package settler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// Synchronizer creates one batch of rounds once every market is idle.
type Synchronizer struct {
	contracts domain.RoundContracts
	logger    *slog.Logger
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(contracts domain.RoundContracts, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{contracts: contracts, logger: logger}
}

// Sync creates rounds for symbols when ready equals len(symbols) and returns
// the attempt. It returns nil when not every market is ready.
func (s *Synchronizer) Sync(ctx context.Context, symbols []string, ready int) *domain.BatchResult {
	if len(symbols) == 0 || ready != len(symbols) {
		s.logger.InfoContext(ctx, "waiting for markets",
			slog.Int("ready", ready),
			slog.Int("total", len(symbols)),
			slog.String("summary", readySummary(ready, len(symbols))),
		)
		return nil
	}

	res := &domain.BatchResult{Symbols: append([]string(nil), symbols...)}
	if err := context.Cause(ctx); err != nil {
		res.Err = err.Error()
		s.logger.ErrorContext(ctx, "batch not sent", slog.String("error", res.Err))
		return res
	}
	s.logger.InfoContext(ctx, "all markets ready, creating batch", slog.Any("symbols", symbols))

	rcpt, err := s.contracts.CreateBatchRounds(ctx, symbols)
	res.TxHash = rcpt.TxHash
	res.Block = rcpt.BlockNumber
	if err != nil {
		res.Err = err.Error()
		s.logger.ErrorContext(ctx, "batch creation failed", slog.String("error", res.Err))
		return res
	}
	s.logger.InfoContext(ctx, "batch created",
		slog.String("tx", rcpt.TxHash),
		slog.Uint64("block", rcpt.BlockNumber),
	)

	// Read back the first market's new round for the shared start time.
	info, err := s.contracts.MarketInfo(ctx, symbols[0])
	if err != nil {
		s.logger.WarnContext(ctx, "could not read back new round", slog.String("market", symbols[0]), slog.String("error", err.Error()))
		return res
	}
	if info.CurrentRound.IsZero() {
		s.logger.WarnContext(ctx, "batch confirmed but market still has no round", slog.String("market", symbols[0]))
		return res
	}
	round, err := s.contracts.RoundInfo(ctx, info.CurrentRound)
	if err != nil {
		s.logger.WarnContext(ctx, "could not read back new round", slog.String("market", symbols[0]), slog.String("error", err.Error()))
		return res
	}
	start := round.StartTime.UTC()
	res.StartTime = &start
	s.logger.InfoContext(ctx, "markets synchronized", slog.Time("start_time", start))
	return res
}

func readySummary(ready, total int) string {
	return fmt.Sprintf("%d of %d ready", ready, total)
}
