package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// StateMirror implements domain.StateMirror with plain string keys.
type StateMirror struct {
	rdb *redis.Client
}

var _ domain.StateMirror = (*StateMirror)(nil)

func NewStateMirror(c *Client) *StateMirror {
	return &StateMirror{rdb: c.Underlying()}
}

func stateKey(key string) string { return keyPrefix + "state:" + key }

// SaveState stores payload under key. A zero ttl keeps it until overwritten.
func (s *StateMirror) SaveState(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, stateKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis: save state %s: %w", key, err)
	}
	return nil
}

// LoadState returns the stored payload or domain.ErrNotFound.
func (s *StateMirror) LoadState(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, stateKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: load state %s: %w", key, err)
	}
	return data, nil
}
