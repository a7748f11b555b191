package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
	"github.com/alanyoungcy/roundkeeper/internal/server/handler"
	"github.com/alanyoungcy/roundkeeper/internal/settler"
	"github.com/alanyoungcy/roundkeeper/internal/store/memory"
)

type fakeSettler struct {
	last     *domain.TickReport
	pending  bool
	statuses []settler.MarketStatus
}

func (f *fakeSettler) Markets() []string       { return []string{"BTC", "ETH"} }
func (f *fakeSettler) Interval() time.Duration { return 10 * time.Second }

func (f *fakeSettler) Status(context.Context) []settler.MarketStatus { return f.statuses }

func (f *fakeSettler) Last() (domain.TickReport, bool) {
	if f.last == nil {
		return domain.TickReport{}, false
	}
	return *f.last, true
}

func (f *fakeSettler) Trigger() bool {
	if f.pending {
		return false
	}
	f.pending = true
	return true
}

const apiKey = "s3cret"

func newTestHandler(t *testing.T, fs *fakeSettler, ticks *memory.TickStore, checks map[string]handler.Check, rate float64) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if checks == nil {
		checks = map[string]handler.Check{}
	}
	return NewHandler(
		Config{APIKey: apiKey, CORSOrigins: []string{"http://localhost:3000"}, RateLimit: rate, RateBurst: 2},
		Handlers{
			Health:  handler.NewHealthHandler(checks, logger),
			Settler: handler.NewSettlerHandler(fs, nil, "settle", logger).WithTrigger(fs),
			Ticks:   handler.NewTickHandler(ticks, logger),
		},
		logger,
	)
}

func do(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &fakeSettler{}, memory.NewTickStore(0), map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
	}, 0)
	rec := do(h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	h = newTestHandler(t, &fakeSettler{}, memory.NewTickStore(0), map[string]handler.Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}, 0)
	rec = do(h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["redis"])
}

func TestStatusIncludesLastTick(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := &fakeSettler{last: &domain.TickReport{
		ID: "tick-1", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond),
		Ready: 2, Total: 2, Batch: &domain.BatchResult{TxHash: "0xbatch"},
	}}
	rec := do(newTestHandler(t, fs, memory.NewTickStore(0), nil, 0), http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "settle", body["mode"])
	st := body["settler"].(map[string]any)
	assert.Equal(t, 10.0, st["interval_seconds"])
	last := st["last_tick"].(map[string]any)
	assert.Equal(t, "tick-1", last["id"])
	assert.Equal(t, 1500.0, last["duration_ms"])
	assert.Equal(t, "0xbatch", last["batch_tx"])
}

func TestMarketsView(t *testing.T) {
	end := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	fs := &fakeSettler{statuses: []settler.MarketStatus{
		{Symbol: "BTC", Phase: domain.PhaseReady, Info: domain.MarketInfo{Initialized: true, RoundCount: 3}},
		{Symbol: "ETH", Phase: domain.PhaseActive, Round: &domain.RoundInfo{
			Ref: "0x00000000000000000000000000000000000000e1", Coin: "ETH",
			StrikePrice: big.NewInt(350000000000), EndTime: end,
		}},
		{Symbol: "SOL", Phase: domain.PhaseUnknown, Err: errors.New("rpc timeout")},
	}}
	rec := do(newTestHandler(t, fs, memory.NewTickStore(0), nil, 0), http.MethodGet, "/api/markets", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 3)
	assert.Equal(t, "ready", out[0]["phase"])
	assert.Nil(t, out[0]["round"])
	round := out[1]["round"].(map[string]any)
	assert.Equal(t, "350000000000", round["strike_price"])
	assert.Equal(t, "0", round["final_price"])
	assert.Greater(t, round["remaining_seconds"].(float64), 3500.0)
	assert.Equal(t, "rpc timeout", out[2]["error"])
}

func TestTriggerRequiresAPIKey(t *testing.T) {
	fs := &fakeSettler{}
	h := newTestHandler(t, fs, memory.NewTickStore(0), nil, 0)

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/api/settler/trigger", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(h, http.MethodPost, "/api/settler/trigger", map[string]string{"X-API-Key": "nope"}).Code)
	assert.False(t, fs.pending)

	auth := map[string]string{"Authorization": "Bearer " + apiKey}
	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/api/settler/trigger", auth).Code)
	assert.True(t, fs.pending)
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/api/settler/trigger", auth).Code)

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/api/settler/trigger", auth).Code)
}

func TestTriggerWithoutLoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(Config{}, Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Settler: handler.NewSettlerHandler(&fakeSettler{}, nil, "monitor", logger),
	}, logger)

	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodPost, "/api/settler/trigger", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/ticks", nil).Code)
}

func TestTicks(t *testing.T) {
	ticks := memory.NewTickStore(0)
	h := newTestHandler(t, &fakeSettler{}, ticks, nil, 0)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/ticks/latest", nil).Code)
	rec := do(h, http.MethodGet, "/api/ticks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, ticks.Insert(context.Background(), domain.TickReport{
			ID: id, StartedAt: start.Add(time.Duration(i) * 10 * time.Second), Total: 2,
		}))
	}

	rec = do(h, http.MethodGet, "/api/ticks/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c", decode(t, rec)["id"])

	rec = do(h, http.MethodGet, "/api/ticks?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page []domain.TickReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(t, &fakeSettler{}, memory.NewTickStore(0), nil, 0)

	rec := do(h, http.MethodOptions, "/api/settler/trigger", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(h, http.MethodGet, "/api/status", map[string]string{"Origin": "http://evil.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	h := newTestHandler(t, &fakeSettler{}, memory.NewTickStore(0), nil, 0.001)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/status", nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/status", nil).Code)
	rec := do(h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	other := do(h, http.MethodGet, "/api/status", map[string]string{"X-Forwarded-For": "203.0.113.9"})
	assert.Equal(t, http.StatusOK, other.Code)
}
