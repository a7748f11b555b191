// Package coingecko fetches USD spot prices from the CoinGecko simple price
// API.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	maxRetries    = 2
	baseRetryWait = time.Second
)

// Client is a rate-limited CoinGecko client.
type Client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	coinIDs   map[string]string // symbol -> coingecko id
	limiter   *rate.Limiter
	retryWait time.Duration
	logger    *slog.Logger
}

// NewClient creates a Client. coinIDs maps market symbols (BTC) to CoinGecko
// ids (bitcoin). perSecond bounds request rate; the free tier allows roughly
// one request every two seconds.
func NewClient(baseURL, apiKey string, coinIDs map[string]string, perSecond float64, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if perSecond <= 0 {
		perSecond = 0.5
	}
	ids := make(map[string]string, len(coinIDs))
	for k, v := range coinIDs {
		ids[strings.ToUpper(k)] = v
	}
	return &Client{
		http:      &http.Client{Timeout: 10 * time.Second},
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		coinIDs:   ids,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), 1),
		retryWait: baseRetryWait,
		logger:    logger.With(slog.String("component", "coingecko")),
	}
}

// Prices returns the USD price per symbol. Symbols the API does not price
// come back as zero.
func (c *Client) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		id, ok := c.coinIDs[strings.ToUpper(sym)]
		if !ok {
			return nil, fmt.Errorf("coingecko: no coin id for symbol %q", sym)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	endpoint := c.baseURL + "/simple/price?" + q.Encode()

	var body map[string]map[string]json.Number
	if err := c.get(ctx, endpoint, &body); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		raw := body[c.coinIDs[strings.ToUpper(sym)]]["usd"]
		if raw == "" {
			out[sym] = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(raw.String())
		if err != nil {
			return nil, fmt.Errorf("coingecko: price for %s: %w", sym, err)
		}
		out[sym] = d
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryWait << (attempt - 1)):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("coingecko: rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("coingecko: build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("x-cg-demo-api-key", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("coingecko: request: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("coingecko: status %d", resp.StatusCode)
			c.logger.WarnContext(ctx, "price request retrying",
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("coingecko: decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("coingecko: giving up after %d attempts: %w", maxRetries+1, lastErr)
}
