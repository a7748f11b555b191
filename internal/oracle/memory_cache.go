package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

type cachedPrice struct {
	price float64
	ts    time.Time
}

// MemoryCache is an in-process domain.PriceCache used when Redis is off.
type MemoryCache struct {
	mu     sync.RWMutex
	prices map[string]cachedPrice
}

var _ domain.PriceCache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{prices: make(map[string]cachedPrice)}
}

// SetPrice stores price for symbol, replacing any earlier value.
func (m *MemoryCache) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	m.mu.Lock()
	m.prices[symbol] = cachedPrice{price: price, ts: ts}
	m.mu.Unlock()
	return nil
}

// GetPrice returns the stored price and its timestamp, or domain.ErrNotFound.
func (m *MemoryCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

// GetPrices returns the stored prices of symbols. Symbols with no price are
// left out of the map.
func (m *MemoryCache) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := m.prices[s]; ok {
			out[s] = p.price
		}
	}
	return out, nil
}
