package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// BookMirror implements domain.BookMirror. Each token's latest snapshot is a
// JSON string plus a small top-of-book hash for cheap reads by other tools.
//
// Key schema:
//
//	probebot:book:{tokenID}      - JSON snapshot
//	probebot:book:{tokenID}:bbo  - hash with "bid", "ask", "ts"
type BookMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.BookMirror = (*BookMirror)(nil)

// NewBookMirror creates a mirror whose keys expire after ttl.
func NewBookMirror(c *Client, ttl time.Duration) *BookMirror {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &BookMirror{rdb: c.Underlying(), ttl: ttl}
}

func bookKey(tokenID string) string    { return keyPrefix + "book:" + tokenID }
func bookBBOKey(tokenID string) string { return keyPrefix + "book:" + tokenID + ":bbo" }

// SetSnapshot replaces the stored snapshot for snap.TokenID.
func (m *BookMirror) SetSnapshot(ctx context.Context, snap domain.OrderBookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal book %s: %w", snap.TokenID, err)
	}

	bbo := map[string]any{"ts": strconv.FormatInt(snap.Timestamp.UnixMilli(), 10)}
	if snap.BestBid != nil {
		bbo["bid"] = strconv.FormatFloat(*snap.BestBid, 'f', -1, 64)
	}
	if snap.BestAsk != nil {
		bbo["ask"] = strconv.FormatFloat(*snap.BestAsk, 'f', -1, 64)
	}

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, bookKey(snap.TokenID), data, m.ttl)
	pipe.Del(ctx, bookBBOKey(snap.TokenID))
	pipe.HSet(ctx, bookBBOKey(snap.TokenID), bbo)
	pipe.Expire(ctx, bookBBOKey(snap.TokenID), m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", snap.TokenID, err)
	}
	return nil
}

// GetSnapshot returns the stored snapshot or domain.ErrNotFound.
func (m *BookMirror) GetSnapshot(ctx context.Context, tokenID string) (domain.OrderBookSnapshot, error) {
	data, err := m.rdb.Get(ctx, bookKey(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.OrderBookSnapshot{}, domain.ErrNotFound
		}
		return domain.OrderBookSnapshot{}, fmt.Errorf("redis: get book %s: %w", tokenID, err)
	}
	var snap domain.OrderBookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("redis: unmarshal book %s: %w", tokenID, err)
	}
	return snap, nil
}
