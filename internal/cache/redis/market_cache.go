package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/redis/go-redis/v9"
)

const marketTTL = 5 * time.Minute

// MarketCache is a domain.MarketResolver that answers from Redis and falls
// back to an upstream resolver, caching what it learns. Short-lived markets
// resolve once per TTL across every process sharing the instance.
//
// Key schema:
//
//	probebot:market:{id}            - JSON market
//	probebot:market:token:{tokenID} - market id
type MarketCache struct {
	rdb      *redis.Client
	upstream domain.MarketResolver
}

var _ domain.MarketResolver = (*MarketCache)(nil)

// NewMarketCache wraps upstream. upstream may be nil for a read-only cache.
func NewMarketCache(c *Client, upstream domain.MarketResolver) *MarketCache {
	return &MarketCache{rdb: c.Underlying(), upstream: upstream}
}

func marketKey(id string) string       { return keyPrefix + "market:" + id }
func marketTokenKey(tok string) string { return keyPrefix + "market:token:" + tok }

// Set stores m and indexes both of its tokens.
func (mc *MarketCache) Set(ctx context.Context, m domain.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", m.ID, err)
	}
	pipe := mc.rdb.TxPipeline()
	pipe.Set(ctx, marketKey(m.ID), data, marketTTL)
	for _, tokenID := range m.TokenIDs {
		if tokenID != "" {
			pipe.Set(ctx, marketTokenKey(tokenID), m.ID, marketTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", m.ID, err)
	}
	return nil
}

func (mc *MarketCache) get(ctx context.Context, tokenID string) (domain.Market, error) {
	id, err := mc.rdb.Get(ctx, marketTokenKey(tokenID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market by token %s: %w", tokenID, err)
	}
	data, err := mc.rdb.Get(ctx, marketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}
	var m domain.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return m, nil
}

// MarketForToken implements domain.MarketResolver. Cache errors other than a
// miss fall through to upstream.
func (mc *MarketCache) MarketForToken(ctx context.Context, tokenID string) (domain.Market, error) {
	m, err := mc.get(ctx, tokenID)
	if err == nil {
		return m, nil
	}
	if mc.upstream == nil {
		return domain.Market{}, err
	}
	m, err = mc.upstream.MarketForToken(ctx, tokenID)
	if err != nil {
		return domain.Market{}, err
	}
	_ = mc.Set(ctx, m)
	return m, nil
}
