package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the subset of a set-valued key store the mirror needs.
type Store interface {
	Add(ctx context.Context, key, member string, ttl time.Duration) error
	Remove(ctx context.Context, key, member string) error
}

func PeersKey(room string) string {
	return "room:" + room + ":peers"
}

type RedisStore struct {
	client *redis.Client
}

// Connect dials Redis and verifies the connection with PING.
func Connect(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Add(ctx context.Context, key, member string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, member)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (s *RedisStore) Remove(ctx context.Context, key, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
