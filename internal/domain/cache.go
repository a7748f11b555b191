package domain

import (
	"context"
	"time"
)

// PriceCache keeps the last valid spot price per symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// Lock is a held distributed lock.
type Lock interface {
	// Extend resets the TTL. It returns ErrLockLost once the lock has expired
	// or changed hands.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release frees the lock. It is idempotent.
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// SignalBus provides fire-and-forget pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Bus channel names.
const (
	ChannelTicks  = "roundkeeper:ticks"
	ChannelOracle = "roundkeeper:oracle"
)
