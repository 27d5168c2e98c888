package domain

import (
	"context"
	"io"
	"time"
)

// TradeStore mirrors trade lifecycle rows into a queryable database.
type TradeStore interface {
	Upsert(ctx context.Context, t Trade) error
	RecordEvent(ctx context.Context, ev TradeEvent) error
	ListClosed(ctx context.Context, limit int) ([]ClosedTrade, error)
}

// BookMirror publishes order-book snapshots to a shared cache so other
// processes can read them.
type BookMirror interface {
	SetSnapshot(ctx context.Context, snap OrderBookSnapshot) error
	GetSnapshot(ctx context.Context, tokenID string) (OrderBookSnapshot, error)
}

// EventPublisher appends lifecycle events to a durable stream.
type EventPublisher interface {
	PublishTradeEvent(ctx context.Context, ev TradeEvent) error
}

// StateMirror stores small state blobs (kill switch, manager snapshot)
// outside the local disk.
type StateMirror interface {
	SaveState(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	LoadState(ctx context.Context, key string) ([]byte, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// MarketResolver maps an outcome token to the market that lists it.
type MarketResolver interface {
	MarketForToken(ctx context.Context, tokenID string) (Market, error)
}
