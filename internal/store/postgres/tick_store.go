package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// TickStore implements domain.TickStore. The full report is kept as JSONB;
// the summary columns exist for filtering and retention.
type TickStore struct {
	pool *pgxpool.Pool
}

var _ domain.TickStore = (*TickStore)(nil)

// NewTickStore creates a TickStore backed by pool.
func NewTickStore(pool *pgxpool.Pool) *TickStore {
	return &TickStore{pool: pool}
}

// Insert stores report. Re-inserting the same ID overwrites the row.
func (s *TickStore) Insert(ctx context.Context, report domain.TickReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("postgres: marshal tick %s: %w", report.ID, err)
	}

	var batchTx *string
	if report.Batch != nil && report.Batch.TxHash != "" {
		batchTx = &report.Batch.TxHash
	}

	const query = `
		INSERT INTO tick_reports (id, started_at, finished_at, ready, total, batch_tx, failures, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			ready       = EXCLUDED.ready,
			total       = EXCLUDED.total,
			batch_tx    = EXCLUDED.batch_tx,
			failures    = EXCLUDED.failures,
			report      = EXCLUDED.report`
	_, err = s.pool.Exec(ctx, query,
		report.ID, report.StartedAt, report.FinishedAt,
		report.Ready, report.Total, batchTx, len(report.Failures()), body,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert tick %s: %w", report.ID, err)
	}
	return nil
}

// Latest returns the most recently started tick, or domain.ErrNotFound.
func (s *TickStore) Latest(ctx context.Context) (domain.TickReport, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT report FROM tick_reports ORDER BY started_at DESC LIMIT 1`,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TickReport{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TickReport{}, fmt.Errorf("postgres: latest tick: %w", err)
	}
	return decodeTick(body)
}

// List returns ticks newest first.
func (s *TickStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TickReport, error) {
	query, args := listQuery(`SELECT report FROM tick_reports`, "started_at", opts)
	return s.query(ctx, "list ticks", query, args...)
}

// ListBefore returns up to limit ticks that started before the cutoff,
// oldest first.
func (s *TickStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TickReport, error) {
	query := `SELECT report FROM tick_reports WHERE started_at < $1 ORDER BY started_at ASC`
	args := []any{before}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.query(ctx, "list ticks before", query, args...)
}

// DeleteBefore removes ticks that started before the cutoff.
func (s *TickStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tick_reports WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete ticks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *TickStore) query(ctx context.Context, op, query string, args ...any) ([]domain.TickReport, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}

	out := make([]domain.TickReport, 0, len(bodies))
	for _, b := range bodies {
		r, err := decodeTick(b)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func decodeTick(body []byte) (domain.TickReport, error) {
	var r domain.TickReport
	if err := json.Unmarshal(body, &r); err != nil {
		return domain.TickReport{}, fmt.Errorf("postgres: decode tick: %w", err)
	}
	return r, nil
}
