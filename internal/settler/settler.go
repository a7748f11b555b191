package settler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// ErrTickInProgress is returned by Tick when another tick is still running in
// this process.
var ErrTickInProgress = errors.New("settler: tick already in progress")

// Config is the immutable settler configuration.
type Config struct {
	Markets  []string
	Interval time.Duration
	// LockTTL bounds the distributed tick lock. Zero disables locking even
	// when a LockManager is supplied.
	LockTTL time.Duration
	LockKey string
}

// DefaultConfig returns the settings of the celoSepolia deployment.
func DefaultConfig() Config {
	return Config{
		Markets:  []string{"BTC", "ETH", "SOL", "BNB"},
		Interval: 10 * time.Second,
		LockTTL:  5 * time.Minute,
		LockKey:  "roundkeeper:settler:tick",
	}
}

func (c Config) validate() error {
	var errs []error
	if len(c.Markets) == 0 {
		errs = append(errs, errors.New("no markets configured"))
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, fmt.Errorf("blank market symbol: %w", domain.ErrInvalidSymbol))
		}
		if seen[m] {
			errs = append(errs, fmt.Errorf("market %q listed twice", m))
		}
		seen[m] = true
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	return errors.Join(errs...)
}

// Sink consumes finished tick reports.
type Sink interface {
	HandleTick(ctx context.Context, report domain.TickReport) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, report domain.TickReport) error

// HandleTick calls f.
func (f SinkFunc) HandleTick(ctx context.Context, report domain.TickReport) error {
	return f(ctx, report)
}

// Option customises a Settler.
type Option func(*Settler)

// WithLock guards each tick with a distributed lock.
func WithLock(lm domain.LockManager) Option {
	return func(s *Settler) { s.lock = lm }
}

// WithSinks appends report consumers.
func WithSinks(sinks ...Sink) Option {
	return func(s *Settler) { s.sinks = append(s.sinks, sinks...) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Settler) { s.now = now }
}

// Settler runs the read, drive, synchronize sequence on a fixed cadence.
type Settler struct {
	cfg    Config
	reader *Reader
	driver *Driver
	sync   *Synchronizer
	lock   domain.LockManager
	sinks  []Sink
	now    func() time.Time
	logger *slog.Logger

	trigger chan struct{}
	running sync.Mutex

	lastMu sync.RWMutex
	last   *domain.TickReport
}

// New validates cfg and builds a Settler over contracts.
func New(contracts domain.RoundContracts, cfg Config, logger *slog.Logger, opts ...Option) (*Settler, error) {
	if contracts == nil {
		return nil, errors.New("settler: nil contracts")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("settler: invalid config: %w", err)
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultConfig().LockKey
	}
	cfg.Markets = append([]string(nil), cfg.Markets...)

	logger = logger.With(slog.String("component", "settler"))
	s := &Settler{
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reader = NewReader(contracts, logger)
	s.driver = NewDriver(contracts, s.now, logger)
	s.sync = NewSynchronizer(contracts, logger)
	return s, nil
}

// Markets returns a copy of the tracked symbols.
func (s *Settler) Markets() []string {
	return append([]string(nil), s.cfg.Markets...)
}

// Interval returns the delay between ticks.
func (s *Settler) Interval() time.Duration { return s.cfg.Interval }

// Status reads every tracked market without writing anything.
func (s *Settler) Status(ctx context.Context) []MarketStatus {
	return s.reader.ReadAll(ctx, s.cfg.Markets, s.now())
}

// Last returns the most recent completed tick.
func (s *Settler) Last() (domain.TickReport, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return domain.TickReport{}, false
	}
	return *s.last, true
}

// Trigger asks Run to start a tick now instead of waiting out the interval.
// It reports false when a request is already pending.
func (s *Settler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Tick runs one full cycle. Per-market failures are recorded in the report,
// not returned. The error is non-nil only when the tick did not run:
// ErrTickInProgress, domain.ErrLockHeld, or a lock backend failure. A tick
// skipped because another instance holds the lock still reaches the sinks.
func (s *Settler) Tick(ctx context.Context) (domain.TickReport, error) {
	if !s.running.TryLock() {
		return domain.TickReport{}, ErrTickInProgress
	}
	defer s.running.Unlock()

	tickCtx := ctx
	if s.lock != nil && s.cfg.LockTTL > 0 {
		lock, err := s.lock.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				s.logger.InfoContext(ctx, "tick skipped, another instance holds the lock")
				report := s.skipped("lock held")
				s.publish(ctx, report)
				return report, fmt.Errorf("settler: acquire tick lock: %w", err)
			}
			return domain.TickReport{}, fmt.Errorf("settler: acquire tick lock: %w", err)
		}
		defer lock.Release()

		var stop func()
		tickCtx, stop = s.keepAlive(ctx, lock)
		defer stop()
	}

	report := s.runTick(tickCtx)

	s.lastMu.Lock()
	s.last = &report
	s.lastMu.Unlock()

	s.publish(ctx, report)
	return report, nil
}

// keepAlive renews the tick lock every third of its TTL until stop is called.
// If a renewal fails the returned context is cancelled with that error as its
// cause and the rest of the tick sends nothing.
func (s *Settler) keepAlive(ctx context.Context, lock domain.Lock) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(s.cfg.LockTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Extend(ctx, s.cfg.LockTTL); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.ErrorContext(ctx, "tick lock lost, aborting tick", slog.String("error", err.Error()))
					cancel(err)
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

func (s *Settler) skipped(reason string) domain.TickReport {
	now := s.now().UTC()
	return domain.TickReport{
		ID:         uuid.NewString(),
		StartedAt:  now,
		FinishedAt: now,
		Total:      len(s.cfg.Markets),
		Skipped:    reason,
	}
}

func (s *Settler) publish(ctx context.Context, report domain.TickReport) {
	for _, sink := range s.sinks {
		if err := sink.HandleTick(ctx, report); err != nil {
			s.logger.WarnContext(ctx, "tick sink failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Settler) runTick(ctx context.Context) domain.TickReport {
	started := s.now().UTC()
	report := domain.TickReport{
		ID:        uuid.NewString(),
		StartedAt: started,
		Total:     len(s.cfg.Markets),
		Markets:   make([]domain.MarketResult, 0, len(s.cfg.Markets)),
	}
	s.logger.InfoContext(ctx, "tick started", slog.String("tick", report.ID), slog.Int("markets", report.Total))

	statuses := s.reader.ReadAll(ctx, s.cfg.Markets, started)
	for _, st := range statuses {
		res := s.driver.Drive(ctx, st, started)
		if res.Ready {
			report.Ready++
		}
		report.Markets = append(report.Markets, res)
	}

	report.Batch = s.sync.Sync(ctx, s.cfg.Markets, report.Ready)
	report.FinishedAt = s.now().UTC()

	s.logger.InfoContext(ctx, "tick finished",
		slog.String("tick", report.ID),
		slog.Int("ready", report.Ready),
		slog.Int("total", report.Total),
		slog.Bool("batch", report.Batch != nil && report.Batch.OK()),
		slog.Duration("took", report.Duration()),
	)
	return report
}

// Run ticks immediately, then again Interval after each tick completes, until
// ctx is cancelled. A tick always finishes before the next delay is armed.
func (s *Settler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "settler started",
		slog.Any("markets", s.cfg.Markets),
		slog.Duration("interval", s.cfg.Interval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("settler stopped")
			return ctx.Err()
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, domain.ErrLockHeld) {
			s.logger.ErrorContext(ctx, "tick failed", slog.String("error", err.Error()))
		}
		timer.Reset(s.cfg.Interval)
	}
}
