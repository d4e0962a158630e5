// Package redis provides the Redis-backed dedup store used when claims
// must survive process restarts.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const claimKeyPrefix = "killwatch:dedup:"

// DedupStore implements dedup.Store on top of SET NX PX, which gives the
// atomic claim semantics for free.
type DedupStore struct {
	client *redis.Client
}

func NewDedupStore(url string) (*DedupStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &DedupStore{client: client}, nil
}

func (s *DedupStore) Claim(ctx context.Context, id int64, ttl time.Duration) (bool, error) {
	claimed, err := s.client.SetNX(ctx, claimKey(id), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim %d: %w", id, err)
	}
	return claimed, nil
}

func (s *DedupStore) Release(ctx context.Context, id int64) error {
	if err := s.client.Del(ctx, claimKey(id)).Err(); err != nil {
		return fmt.Errorf("dedup release %d: %w", id, err)
	}
	return nil
}

func (s *DedupStore) Close() error {
	return s.client.Close()
}

func claimKey(id int64) string {
	return fmt.Sprintf("%s%d", claimKeyPrefix, id)
}
