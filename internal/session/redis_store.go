package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKey returns the Redis key for a session row.
func redisKey(sessionID string) string {
	return "workspace:session:" + sessionID
}

// RedisStore keeps session rows as JSON strings in Redis. Every write
// refreshes the key's TTL, so rows orphaned by a crash expire on their own.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore whose rows expire ttl after their last
// write. A zero ttl keeps rows until deleted.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Upsert(ctx context.Context, r *Row) error {
	stamp(r)
	row := *r
	existing, err := s.FindBySessionID(ctx, r.SessionID)
	switch {
	case err == nil:
		merge(existing, r)
		row = *existing
	case !errors.Is(err, ErrNotFound):
		return err
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", r.SessionID, err)
	}
	if err := s.client.Set(ctx, redisKey(r.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", r.SessionID, err)
	}
	return nil
}

func (s *RedisStore) FindBySessionID(ctx context.Context, sessionID string) (*Row, error) {
	data, err := s.client.Get(ctx, redisKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var r Row
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &r, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, redisKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
