package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "botcore:session:"
	defaultRedisTTL = 30 * 24 * time.Hour
)

// RedisStore persists sessions as JSON values in Redis, one key per
// conversation. TTL is refreshed on every save so active conversations never
// expire while idle ones age out.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed session store. A non-positive ttl
// falls back to 30 days.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(channelType, chatID string) string {
	return redisKeyPrefix + channelType + ":" + chatID
}

// GetOrCreate implements Store.
func (s *RedisStore) GetOrCreate(ctx context.Context, channelType, chatID string) (*Session, error) {
	val, err := s.client.Get(ctx, s.key(channelType, chatID)).Result()
	if err == redis.Nil {
		sess := New(channelType, chatID)
		if err := s.Save(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s/%s: %w", channelType, chatID, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s/%s: %w", channelType, chatID, err)
	}
	return &sess, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.ChannelType, sess.ChatID), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
