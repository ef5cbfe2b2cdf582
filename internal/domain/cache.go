package domain

import (
	"context"
	"time"
)

// TickerCache mirrors the latest ticker per (exchange, symbol) for external
// readers.
type TickerCache interface {
	SetTicker(ctx context.Context, snap TickerSnapshot) error
	GetTicker(ctx context.Context, exchange, symbol string) (TickerSnapshot, error)
	GetTickers(ctx context.Context, keys []Key) (map[Key]TickerSnapshot, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a capped stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and capped streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRevRange(ctx context.Context, stream string, count int) ([]StreamMessage, error)
}

// LockManager provides short-lived distributed claims.
type LockManager interface {
	// Acquire returns domain.ErrLockHeld when key is already claimed.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
