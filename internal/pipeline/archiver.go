// Package pipeline runs the tick retention job: ticks older than the
// retention window move from Postgres to object storage on a cron schedule.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// Archiver runs domain.Archiver with a retention cutoff.
type Archiver struct {
	blob          domain.Archiver
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates an Archiver keeping retentionDays of ticks in the
// database.
func NewArchiver(blob domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:          blob,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Cutoff returns the start of the retention window relative to now.
func (a *Archiver) Cutoff() time.Time {
	return a.now().UTC().AddDate(0, 0, -a.retentionDays)
}

// Run archives once and returns the number of ticks moved.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.Cutoff()
	a.logger.Info("archive run starting",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blob.ArchiveTicks(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("pipeline: archive ticks before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.Info("archive run complete", slog.Int64("ticks_archived", n))
	return n, nil
}

// RunCron runs the archiver on a standard 5-field cron schedule, evaluated
// in UTC, until ctx ends. A failed run is logged and the schedule continues.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", expr))

	for {
		now := a.now().UTC()
		next := sched.Next(now)
		if next.IsZero() {
			return fmt.Errorf("pipeline: cron %q never fires", expr)
		}
		wait := next.Sub(now)
		a.logger.Debug("archiver waiting", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
