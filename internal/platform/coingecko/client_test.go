package coingecko

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIDs = map[string]string{"BTC": "bitcoin", "ETH": "ethereum", "SOL": "solana"}

func newTestClient(url string) *Client {
	c := NewClient(url, "", testIDs, 1000, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryWait = time.Millisecond
	return c
}

func TestPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin,ethereum,solana", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"bitcoin":{"usd":65123.45},"ethereum":{"usd":3120.1}}`)
	}))
	defer srv.Close()

	prices, err := newTestClient(srv.URL).Prices(context.Background(), []string{"BTC", "ETH", "SOL"})
	require.NoError(t, err)
	assert.Equal(t, "65123.45", prices["BTC"].String())
	assert.Equal(t, "3120.1", prices["ETH"].String())
	assert.True(t, prices["SOL"].IsZero(), "missing coins come back as zero")
}

func TestPricesUnknownSymbol(t *testing.T) {
	_, err := newTestClient("http://unused").Prices(context.Background(), []string{"DOGE"})
	assert.ErrorContains(t, err, `no coin id for symbol "DOGE"`)
}

func TestPricesRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"bitcoin":{"usd":1}}`)
	}))
	defer srv.Close()

	prices, err := newTestClient(srv.URL).Prices(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	assert.Equal(t, "1", prices["BTC"].String())
	assert.Equal(t, int32(2), hits.Load())
}

func TestPricesClientErrorIsFinal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Prices(context.Background(), []string{"BTC"})
	assert.ErrorContains(t, err, "status 401")
	assert.Equal(t, int32(1), hits.Load())
}

func TestPricesGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Prices(context.Background(), []string{"BTC"})
	assert.ErrorContains(t, err, "giving up after 3 attempts")
}
