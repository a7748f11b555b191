package settler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChain is an in-memory market manager. Each market has at most one
// round; settle marks it settled, clear detaches it, batch creates a fresh
// round for every symbol.
type fakeChain struct {
	mu      sync.Mutex
	now     time.Time
	current map[string]domain.RoundRef
	rounds  map[domain.RoundRef]*domain.RoundInfo
	calls   []string

	failSettle map[string]error // by symbol
	failClear  map[string]error
	failRead   map[string]error
	failBatch  error
	nextRound  int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		now:        t0,
		current:    map[string]domain.RoundRef{},
		rounds:     map[domain.RoundRef]*domain.RoundInfo{},
		failSettle: map[string]error{},
		failClear:  map[string]error{},
		failRead:   map[string]error{},
	}
}

// idle registers a market with no current round.
func (f *fakeChain) idle(symbol string) {
	f.current[symbol] = domain.NoRound
}

// withRound gives symbol a round ending at end.
func (f *fakeChain) withRound(symbol string, end time.Time, settled bool) domain.RoundRef {
	f.nextRound++
	ref := domain.RoundRef(fmt.Sprintf("0x%040x", f.nextRound))
	f.current[symbol] = ref
	f.rounds[ref] = &domain.RoundInfo{
		Ref:       ref,
		Coin:      symbol,
		StartTime: end.Add(-5 * time.Minute),
		EndTime:   end,
		Settled:   settled,
	}
	return ref
}

func (f *fakeChain) symbolOf(ref domain.RoundRef) string {
	for sym, r := range f.current {
		if r == ref {
			return sym
		}
	}
	return ""
}

func (f *fakeChain) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeChain) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeChain) MarketInfo(_ context.Context, symbol string) (domain.MarketInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failRead[symbol]; err != nil {
		return domain.MarketInfo{}, err
	}
	ref, ok := f.current[symbol]
	if !ok {
		return domain.MarketInfo{}, domain.ErrNotFound
	}
	return domain.MarketInfo{Symbol: symbol, CurrentRound: ref, Initialized: true}, nil
}

func (f *fakeChain) RoundInfo(_ context.Context, ref domain.RoundRef) (domain.RoundInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[ref]
	if !ok {
		return domain.RoundInfo{}, domain.ErrNotFound
	}
	return *r, nil
}

func (f *fakeChain) Settle(_ context.Context, ref domain.RoundRef) (domain.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sym := f.symbolOf(ref)
	f.record("settle:" + sym)
	if err := f.failSettle[sym]; err != nil {
		return domain.TxReceipt{}, err
	}
	f.rounds[ref].Settled = true
	return domain.TxReceipt{TxHash: "0xsettle" + sym, BlockNumber: 10}, nil
}

func (f *fakeChain) ClearSettledRound(_ context.Context, symbol string) (domain.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("clear:" + symbol)
	if err := f.failClear[symbol]; err != nil {
		return domain.TxReceipt{}, err
	}
	ref := f.current[symbol]
	if r, ok := f.rounds[ref]; !ok || !r.Settled {
		return domain.TxReceipt{}, domain.ErrTxReverted
	}
	f.current[symbol] = domain.NoRound
	return domain.TxReceipt{TxHash: "0xclear" + symbol, BlockNumber: 11}, nil
}

func (f *fakeChain) CreateBatchRounds(_ context.Context, symbols []string) (domain.TxReceipt, error) {
	f.mu.Lock()
	f.record(fmt.Sprintf("batch:%v", symbols))
	if f.failBatch != nil {
		f.mu.Unlock()
		return domain.TxReceipt{}, f.failBatch
	}
	f.mu.Unlock()
	for _, sym := range symbols {
		f.mu.Lock()
		f.withRound(sym, f.now.Add(5*time.Minute), false)
		f.mu.Unlock()
	}
	return domain.TxReceipt{TxHash: "0xbatch", BlockNumber: 12}, nil
}

func newTestSettler(t *testing.T, chain *fakeChain, markets []string, opts ...Option) *Settler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Markets = markets
	cfg.Interval = time.Hour
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	s, err := New(chain, cfg, discardLogger(), opts...)
	require.NoError(t, err)
	return s
}

func resultFor(t *testing.T, r domain.TickReport, symbol string) domain.MarketResult {
	t.Helper()
	for _, m := range r.Markets {
		if m.Symbol == symbol {
			return m
		}
	}
	t.Fatalf("no result for %s", symbol)
	return domain.MarketResult{}
}

func TestIdleMarketIsReadyWithoutWrites(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	chain.withRound("ETH", t0.Add(time.Minute), false)

	r, err := newTestSettler(t, chain, []string{"BTC", "ETH"}).Tick(context.Background())
	require.NoError(t, err)

	btc := resultFor(t, r, "BTC")
	assert.True(t, btc.Ready)
	assert.Equal(t, domain.PhaseReady, btc.Phase)
	assert.Empty(t, btc.Actions)
	assert.Empty(t, chain.Calls())
}

func TestActiveMarketBlocksBatch(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	chain.withRound("ETH", t0.Add(90*time.Second), false)

	r, err := newTestSettler(t, chain, []string{"BTC", "ETH"}).Tick(context.Background())
	require.NoError(t, err)

	eth := resultFor(t, r, "ETH")
	assert.Equal(t, domain.PhaseActive, eth.Phase)
	assert.False(t, eth.Ready)
	assert.Equal(t, 90*time.Second, eth.Remaining)
	assert.Equal(t, 1, r.Ready)
	assert.Nil(t, r.Batch)
}

func TestExpiredUnsettledSettlesThenClears(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	chain.withRound("ETH", t0.Add(-time.Second), false)
	chain.withRound("SOL", t0.Add(time.Minute), false)

	r, err := newTestSettler(t, chain, []string{"BTC", "ETH", "SOL"}).Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"settle:ETH", "clear:ETH"}, chain.Calls())
	eth := resultFor(t, r, "ETH")
	assert.True(t, eth.Ready)
	require.Len(t, eth.Actions, 2)
	assert.Equal(t, domain.ActionSettle, eth.Actions[0].Action)
	assert.Equal(t, domain.ActionClear, eth.Actions[1].Action)
	assert.Equal(t, "0xclearETH", eth.Actions[1].TxHash)
	assert.Nil(t, r.Batch)
}

func TestExpiredSettledOnlyClears(t *testing.T) {
	chain := newFakeChain()
	chain.withRound("BNB", t0.Add(-time.Minute), true)

	r, err := newTestSettler(t, chain, []string{"BNB"}).Tick(context.Background())
	require.NoError(t, err)

	calls := chain.Calls()
	require.GreaterOrEqual(t, len(calls), 1)
	assert.Equal(t, "clear:BNB", calls[0])
	assert.NotContains(t, calls, "settle:BNB")
	assert.True(t, resultFor(t, r, "BNB").Ready)
}

func TestBtcReadyEthExpiredUnsettledNoBatch(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	chain.withRound("ETH", t0.Add(-time.Minute), false)
	chain.idle("SOL")
	chain.withRound("BNB", t0.Add(time.Minute), false)

	r, err := newTestSettler(t, chain, []string{"BTC", "ETH", "SOL", "BNB"}).Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"settle:ETH", "clear:ETH"}, chain.Calls())
	assert.Equal(t, 3, r.Ready)
	assert.Equal(t, 4, r.Total)
	assert.Nil(t, r.Batch)
}

func TestAllIdleCreatesBatch(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	chain.idle("ETH")

	r, err := newTestSettler(t, chain, []string{"BTC", "ETH"}).Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"batch:[BTC ETH]"}, chain.Calls())
	require.NotNil(t, r.Batch)
	assert.True(t, r.Batch.OK())
	assert.Equal(t, []string{"BTC", "ETH"}, r.Batch.Symbols)
	assert.Equal(t, uint64(12), r.Batch.Block)
	require.NotNil(t, r.Batch.StartTime)
	assert.Equal(t, t0, *r.Batch.StartTime)
	assert.True(t, r.AllReady())
}

func TestSettleAndClearThenBatchInSameTick(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	chain.withRound("ETH", t0.Add(-time.Minute), false)

	r, err := newTestSettler(t, chain, []string{"BTC", "ETH"}).Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"settle:ETH", "clear:ETH", "batch:[BTC ETH]"}, chain.Calls())
	require.NotNil(t, r.Batch)
	assert.True(t, r.Batch.OK())
}

func TestSettleFailureWithholdsReadiness(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	chain.withRound("ETH", t0.Add(-time.Minute), false)
	chain.failSettle["ETH"] = errors.New("execution reverted: too early")

	r, err := newTestSettler(t, chain, []string{"BTC", "ETH"}).Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"settle:ETH"}, chain.Calls(), "clear must not follow a failed settle")
	eth := resultFor(t, r, "ETH")
	assert.False(t, eth.Ready)
	assert.Contains(t, eth.Err, "too early")
	require.Len(t, eth.Actions, 1)
	assert.False(t, eth.Actions[0].OK())
	assert.Nil(t, r.Batch)
	assert.Len(t, r.Failures(), 1)
}

func TestClearFailureWithholdsReadiness(t *testing.T) {
	chain := newFakeChain()
	chain.withRound("BTC", t0.Add(-time.Minute), true)
	chain.failClear["BTC"] = errors.New("nonce too low")

	r, err := newTestSettler(t, chain, []string{"BTC"}).Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, resultFor(t, r, "BTC").Ready)
	assert.Nil(t, r.Batch)
}

func TestFailureOnOneMarketDoesNotStopOthers(t *testing.T) {
	chain := newFakeChain()
	chain.withRound("BTC", t0.Add(-time.Minute), false)
	chain.withRound("ETH", t0.Add(-time.Minute), false)
	chain.withRound("SOL", t0.Add(-time.Minute), true)
	chain.failSettle["BTC"] = errors.New("rpc down")
	chain.failRead["BNB"] = errors.New("call timeout")

	r, err := newTestSettler(t, chain, []string{"BTC", "ETH", "SOL", "BNB"}).Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"settle:BTC", "settle:ETH", "clear:ETH", "clear:SOL"}, chain.Calls())
	bnb := resultFor(t, r, "BNB")
	assert.Equal(t, domain.PhaseUnknown, bnb.Phase)
	assert.Contains(t, bnb.Err, "call timeout")
	assert.Equal(t, 2, r.Ready)
	assert.Nil(t, r.Batch)
}

func TestBatchFailureIsRecorded(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	chain.failBatch = errors.New("insufficient funds")

	r, err := newTestSettler(t, chain, []string{"BTC"}).Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r.Batch)
	assert.False(t, r.Batch.OK())
	assert.Contains(t, r.Batch.Err, "insufficient funds")
	assert.Nil(t, r.Batch.StartTime)
}

func TestNextTickStartsFromScratch(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	chain.withRound("ETH", t0.Add(-time.Minute), false)
	chain.failSettle["ETH"] = errors.New("flaky")

	s := newTestSettler(t, chain, []string{"BTC", "ETH"})
	_, err := s.Tick(context.Background())
	require.NoError(t, err)

	delete(chain.failSettle, "ETH")
	r, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r.Batch)
	assert.True(t, r.Batch.OK())

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, r.ID, last.ID)
}

func TestSinksReceiveReport(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")

	var got []domain.TickReport
	sink := SinkFunc(func(_ context.Context, r domain.TickReport) error {
		got = append(got, r)
		return errors.New("store offline")
	})
	_, err := newTestSettler(t, chain, []string{"BTC"}, WithSinks(sink)).Tick(context.Background())
	require.NoError(t, err, "sink errors are logged, not returned")
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Ready)
}

type fakeLock struct {
	held      bool
	extendErr error
	acquired  atomic.Int32
	extended  atomic.Int32
	released  atomic.Int32
}

func (l *fakeLock) Acquire(context.Context, string, time.Duration) (domain.Lock, error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.acquired.Add(1)
	return l, nil
}

func (l *fakeLock) Extend(context.Context, time.Duration) error {
	l.extended.Add(1)
	return l.extendErr
}

func (l *fakeLock) Release() { l.released.Add(1) }

func TestLockHeldSkipsTick(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	lock := &fakeLock{held: true}

	var got []domain.TickReport
	sink := SinkFunc(func(_ context.Context, r domain.TickReport) error {
		got = append(got, r)
		return nil
	})
	s := newTestSettler(t, chain, []string{"BTC"}, WithLock(lock), WithSinks(sink))

	r, err := s.Tick(context.Background())
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Equal(t, "lock held", r.Skipped)
	assert.Empty(t, chain.Calls())

	require.Len(t, got, 1)
	assert.Equal(t, "lock held", got[0].Skipped)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, 1, got[0].Total)
	assert.Nil(t, got[0].Batch)

	_, ok := s.Last()
	assert.False(t, ok, "a skipped tick is not a completed tick")
}

func TestLockReleasedAfterTick(t *testing.T) {
	chain := newFakeChain()
	chain.idle("BTC")
	lock := &fakeLock{}

	_, err := newTestSettler(t, chain, []string{"BTC"}, WithLock(lock)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), lock.acquired.Load())
	assert.Equal(t, int32(1), lock.released.Load())
}

// stallingChain holds Settle for delay, or until ctx ends, to stand in for a
// slow receipt wait.
type stallingChain struct {
	*fakeChain
	delay time.Duration
}

func (c *stallingChain) Settle(ctx context.Context, ref domain.RoundRef) (domain.TxReceipt, error) {
	select {
	case <-time.After(c.delay):
		return c.fakeChain.Settle(ctx, ref)
	case <-ctx.Done():
		c.mu.Lock()
		c.record("settle:" + c.symbolOf(ref))
		c.mu.Unlock()
		return domain.TxReceipt{}, context.Cause(ctx)
	}
}

func newLockedSettler(t *testing.T, chain domain.RoundContracts, markets []string, lock *fakeLock) *Settler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Markets = markets
	cfg.Interval = time.Hour
	cfg.LockTTL = 30 * time.Millisecond
	s, err := New(chain, cfg, discardLogger(), WithClock(func() time.Time { return t0 }), WithLock(lock))
	require.NoError(t, err)
	return s
}

func TestLockExtendedDuringLongTick(t *testing.T) {
	chain := &stallingChain{fakeChain: newFakeChain(), delay: 200 * time.Millisecond}
	chain.withRound("BTC", t0.Add(-time.Minute), false)
	lock := &fakeLock{}

	r, err := newLockedSettler(t, chain, []string{"BTC"}, lock).Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, resultFor(t, r, "BTC").Ready)
	require.NotNil(t, r.Batch)
	assert.True(t, r.Batch.OK())
	assert.GreaterOrEqual(t, lock.extended.Load(), int32(2))
	assert.Equal(t, int32(1), lock.released.Load())
}

func TestLockLostStopsWrites(t *testing.T) {
	chain := &stallingChain{fakeChain: newFakeChain(), delay: time.Minute}
	chain.withRound("BTC", t0.Add(-time.Minute), false)
	chain.withRound("ETH", t0.Add(-time.Minute), true)
	lock := &fakeLock{extendErr: domain.ErrLockLost}

	r, err := newLockedSettler(t, chain, []string{"BTC", "ETH"}, lock).Tick(context.Background())
	require.NoError(t, err)

	for _, call := range chain.Calls() {
		assert.Equal(t, "settle:BTC", call, "no write goes out after the lock is lost")
	}
	btc := resultFor(t, r, "BTC")
	assert.False(t, btc.Ready)
	assert.Contains(t, btc.Err, domain.ErrLockLost.Error())
	eth := resultFor(t, r, "ETH")
	assert.False(t, eth.Ready)
	assert.Contains(t, eth.Err, domain.ErrLockLost.Error())
	assert.Nil(t, r.Batch)
	assert.Equal(t, int32(1), lock.released.Load())
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(newFakeChain(), Config{Interval: time.Second}, discardLogger())
	assert.Error(t, err)

	_, err = New(newFakeChain(), Config{Markets: []string{"BTC", "BTC"}, Interval: time.Second}, discardLogger())
	assert.ErrorContains(t, err, "listed twice")

	_, err = New(newFakeChain(), Config{Markets: []string{"BTC"}}, discardLogger())
	assert.ErrorContains(t, err, "interval")
}

// blockingChain holds MarketInfo until released so a tick can be observed
// in flight.
type blockingChain struct {
	*fakeChain
	entered chan struct{}
	release chan struct{}
	reads   atomic.Int32
}

func (b *blockingChain) MarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error) {
	if b.reads.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}
	return b.fakeChain.MarketInfo(ctx, symbol)
}

func TestTickDoesNotOverlap(t *testing.T) {
	chain := &blockingChain{fakeChain: newFakeChain(), entered: make(chan struct{}), release: make(chan struct{})}
	chain.idle("BTC")
	chain.withRound("ETH", t0.Add(time.Hour), false)

	cfg := DefaultConfig()
	cfg.Markets = []string{"BTC", "ETH"}
	cfg.Interval = time.Hour
	s, err := New(chain, cfg, discardLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Tick(context.Background())
		done <- err
	}()
	<-chain.entered

	_, err = s.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(chain.release)
	require.NoError(t, <-done)
}

func TestRunTicksImmediatelyAndOnTrigger(t *testing.T) {
	chain := newFakeChain()
	chain.withRound("BTC", t0.Add(time.Hour), false)

	ticks := make(chan domain.TickReport, 4)
	sink := SinkFunc(func(_ context.Context, r domain.TickReport) error {
		ticks <- r
		return nil
	})
	s := newTestSettler(t, chain, []string{"BTC"}, WithSinks(sink))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick did not run immediately")
	}

	assert.True(t, s.Trigger())
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered tick did not run")
	}

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestStatusIsReadOnly(t *testing.T) {
	chain := newFakeChain()
	chain.withRound("ETH", t0.Add(-time.Minute), false)
	chain.idle("BTC")

	st := newTestSettler(t, chain, []string{"BTC", "ETH"}).Status(context.Background())
	require.Len(t, st, 2)
	assert.Equal(t, domain.PhaseReady, st[0].Phase)
	assert.Equal(t, domain.PhaseExpiredUnsettled, st[1].Phase)
	assert.Empty(t, chain.Calls())
}
