// Package memory keeps a bounded tick history in process for deployments
// without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// DefaultCapacity is roughly an hour of ticks at the default interval.
const DefaultCapacity = 360

// TickStore implements domain.TickStore over a fixed-size buffer. The
// oldest report is dropped once capacity is reached.
type TickStore struct {
	mu    sync.RWMutex
	size  int
	ticks []domain.TickReport // oldest first
}

var _ domain.TickStore = (*TickStore)(nil)

// NewTickStore creates a TickStore holding up to capacity reports.
func NewTickStore(capacity int) *TickStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TickStore{size: capacity}
}

// Insert appends report, replacing an existing one with the same ID.
func (s *TickStore) Insert(_ context.Context, report domain.TickReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.ticks {
		if s.ticks[i].ID == report.ID {
			s.ticks[i] = report
			return nil
		}
	}
	s.ticks = append(s.ticks, report)
	sort.SliceStable(s.ticks, func(i, j int) bool {
		return s.ticks[i].StartedAt.Before(s.ticks[j].StartedAt)
	})
	if over := len(s.ticks) - s.size; over > 0 {
		s.ticks = append([]domain.TickReport(nil), s.ticks[over:]...)
	}
	return nil
}

// Latest returns the most recently started tick, or domain.ErrNotFound.
func (s *TickStore) Latest(context.Context) (domain.TickReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ticks) == 0 {
		return domain.TickReport{}, domain.ErrNotFound
	}
	return s.ticks[len(s.ticks)-1], nil
}

// List returns ticks newest first, filtered and paged by opts.
func (s *TickStore) List(_ context.Context, opts domain.ListOpts) ([]domain.TickReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TickReport
	skipped := 0
	for i := len(s.ticks) - 1; i >= 0; i-- {
		t := s.ticks[i]
		if opts.Since != nil && t.StartedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && t.StartedAt.After(*opts.Until) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, t)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// ListBefore returns up to limit ticks started before the cutoff, oldest
// first. A limit of zero means no limit.
func (s *TickStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.TickReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TickReport
	for _, t := range s.ticks {
		if !t.StartedAt.Before(before) {
			break
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeleteBefore drops ticks started before the cutoff.
func (s *TickStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := sort.Search(len(s.ticks), func(i int) bool {
		return !s.ticks[i].StartedAt.Before(before)
	})
	s.ticks = append([]domain.TickReport(nil), s.ticks[n:]...)
	return int64(n), nil
}
