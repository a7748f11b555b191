package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

type fakeSource struct {
	prices map[string]string
	err    error
}

func (f *fakeSource) Prices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if v, ok := f.prices[s]; ok {
			out[s] = decimal.RequireFromString(v)
		} else {
			out[s] = decimal.Zero
		}
	}
	return out, nil
}

type fakeOracle struct {
	symbols []string
	values  []*big.Int
	setErr  error
	stored  map[string]*big.Int
}

func (f *fakeOracle) SetPrices(_ context.Context, symbols []string, prices []*big.Int) (domain.TxReceipt, error) {
	f.symbols, f.values = symbols, prices
	if f.setErr != nil {
		return domain.TxReceipt{}, f.setErr
	}
	f.stored = map[string]*big.Int{}
	for i, s := range symbols {
		f.stored[s] = prices[i]
	}
	return domain.TxReceipt{TxHash: "0xprices", BlockNumber: 99}, nil
}

func (f *fakeOracle) ReadPrice(_ context.Context, symbol string) (*big.Int, error) {
	v, ok := f.stored[symbol]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

func newTestUpdater(t *testing.T, src PriceSource, cache domain.PriceCache, or *fakeOracle) *Updater {
	t.Helper()
	u, err := NewUpdater(Config{Symbols: []string{"BTC", "ETH"}, Interval: time.Minute, Decimals: 8},
		src, cache, or, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return u
}

func TestScale(t *testing.T) {
	assert.Equal(t, "6512345000000", Scale(decimal.RequireFromString("65123.45"), 8).String())
	assert.Equal(t, "15012345679", Scale(decimal.RequireFromString("150.123456789"), 8).String())
	assert.Equal(t, "65123.45", Unscale(big.NewInt(6512345000000), 8).String())
}

func TestUpdateFromAPI(t *testing.T) {
	cache := NewMemoryCache()
	or := &fakeOracle{}
	up := newTestUpdater(t, &fakeSource{prices: map[string]string{"BTC": "65123.45", "ETH": "3120.1"}}, cache, or).
		Update(context.Background())

	require.True(t, up.OK(), up.Err)
	assert.Equal(t, domain.PriceFromAPI, up.Source)
	assert.Equal(t, []string{"BTC", "ETH"}, or.symbols)
	assert.Equal(t, "6512345000000", or.values[0].String())
	assert.Equal(t, "312010000000", or.values[1].String())
	assert.Equal(t, "65123.45", up.Readback["BTC"])
	assert.Equal(t, "0xprices", up.TxHash)

	p, _, err := cache.GetPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.InDelta(t, 3120.1, p, 1e-9)
}

func TestUpdateFallsBackToCacheWhenAllZero(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, cache.SetPrice(ctx, "BTC", 60000, time.Now()))
	require.NoError(t, cache.SetPrice(ctx, "ETH", 3000, time.Now()))

	or := &fakeOracle{}
	up := newTestUpdater(t, &fakeSource{prices: map[string]string{}}, cache, or).Update(ctx)

	require.True(t, up.OK())
	assert.Equal(t, domain.PriceFromCache, up.Source)
	assert.Equal(t, "6000000000000", or.values[0].String())
}

func TestUpdateFallsBackToCacheOnFetchError(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, cache.SetPrice(ctx, "BTC", 60000, time.Now()))
	require.NoError(t, cache.SetPrice(ctx, "ETH", 3000, time.Now()))

	up := newTestUpdater(t, &fakeSource{err: errors.New("429")}, cache, &fakeOracle{}).Update(ctx)
	assert.True(t, up.OK())
	assert.Equal(t, domain.PriceFromCache, up.Source)
}

func TestUpdateFillsPartialZerosFromCache(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, cache.SetPrice(ctx, "ETH", 3000, time.Now()))

	or := &fakeOracle{}
	up := newTestUpdater(t, &fakeSource{prices: map[string]string{"BTC": "61000"}}, cache, or).Update(ctx)

	require.True(t, up.OK())
	assert.Equal(t, domain.PriceMixed, up.Source)
	assert.Equal(t, "300000000000", or.values[1].String())
}

func TestUpdateSkipsWithoutAnyPrice(t *testing.T) {
	or := &fakeOracle{}
	up := newTestUpdater(t, &fakeSource{prices: map[string]string{"BTC": "61000"}}, nil, or).Update(context.Background())

	assert.False(t, up.OK())
	assert.Contains(t, up.Skipped, "ETH")
	assert.Nil(t, or.symbols, "no transaction without a full price set")
}

func TestUpdateRecordsWriteFailure(t *testing.T) {
	var seen []domain.OracleUpdate
	or := &fakeOracle{setErr: domain.ErrTxReverted}
	u := newTestUpdater(t, &fakeSource{prices: map[string]string{"BTC": "1", "ETH": "2"}}, nil, or)
	u.OnUpdate(func(_ context.Context, up domain.OracleUpdate) { seen = append(seen, up) })

	up := u.Update(context.Background())
	assert.Contains(t, up.Err, "reverted")
	require.Len(t, seen, 1)
	assert.Equal(t, up.ID, seen[0].ID)
}

func TestNewUpdaterValidates(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewUpdater(Config{Interval: time.Second}, &fakeSource{}, nil, &fakeOracle{}, logger)
	assert.Error(t, err)
	_, err = NewUpdater(Config{Symbols: []string{"BTC"}}, &fakeSource{}, nil, &fakeOracle{}, logger)
	assert.Error(t, err)
}

func TestLastTracksMostRecentUpdate(t *testing.T) {
	u := newTestUpdater(t, &fakeSource{prices: map[string]string{"BTC": "1", "ETH": "2"}}, nil, &fakeOracle{})
	_, ok := u.Last()
	assert.False(t, ok)

	var seen []domain.OracleUpdate
	u.OnUpdate(func(_ context.Context, up domain.OracleUpdate) { seen = append(seen, up) })

	up := u.Update(context.Background())
	last, ok := u.Last()
	require.True(t, ok)
	assert.Equal(t, up.ID, last.ID)
	require.Len(t, seen, 1)
	assert.Equal(t, "0xprices", seen[0].TxHash)
	assert.Equal(t, []string{"BTC", "ETH"}, u.Symbols())
}
