package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	tradeStream  = keyPrefix + "trades"
	tradeChannel = keyPrefix + "trade_events"
)

// StreamMessage is one entry read back from the trade stream.
type StreamMessage struct {
	ID    string            `json:"id"`
	Event domain.TradeEvent `json:"event"`
}

// SignalBus implements domain.EventPublisher. Every trade event is appended
// to a capped stream for durable replay and published on a pub/sub channel
// for live listeners.
type SignalBus struct {
	rdb    *redis.Client
	maxLen int64
}

var _ domain.EventPublisher = (*SignalBus)(nil)

// NewSignalBus creates a bus whose stream is trimmed to about maxLen entries.
func NewSignalBus(c *Client, maxLen int64) *SignalBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &SignalBus{rdb: c.Underlying(), maxLen: maxLen}
}

// PublishTradeEvent appends ev to the stream and publishes it.
func (sb *SignalBus) PublishTradeEvent(ctx context.Context, ev domain.TradeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal trade event: %w", err)
	}
	pipe := sb.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: tradeStream,
		MaxLen: sb.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":     string(ev.Type),
			"trade_id": ev.Trade.ID,
			"payload":  payload,
		},
	})
	pipe.Publish(ctx, tradeChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish trade event %s: %w", ev.Trade.ID, err)
	}
	return nil
}

// Recent returns up to n of the newest stream entries, newest first.
func (sb *SignalBus) Recent(ctx context.Context, n int64) ([]StreamMessage, error) {
	msgs, err := sb.rdb.XRevRangeN(ctx, tradeStream, "+", "-", n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read trade stream: %w", err)
	}
	out := make([]StreamMessage, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := payloadBytes(msg.Values["payload"])
		if !ok {
			continue
		}
		var ev domain.TradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		out = append(out, StreamMessage{ID: msg.ID, Event: ev})
	}
	return out, nil
}

func payloadBytes(v any) ([]byte, bool) {
	switch p := v.(type) {
	case string:
		return []byte(p), true
	case []byte:
		return p, true
	}
	return nil, false
}
