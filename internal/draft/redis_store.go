// Package draft keeps unsynced working copies in Redis so an editing
// session survives a reload.
package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"roster/api/internal/model"
)

const DefaultTTL = 7 * 24 * time.Hour

// payload is the stored draft blob
type payload struct {
	Rows    []model.Row    `json:"rows"`
	Schema  []model.Column `json:"schema"`
	SavedAt time.Time      `json:"savedAt"`
}

// RedisStore implements draft storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and returns a draft store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(owner, workspaceID string) string {
	return s.prefix + owner + ":" + workspaceID
}

// Save overwrites the draft of owner for workspaceID
func (s *RedisStore) Save(ctx context.Context, owner, workspaceID string, set model.Set) error {
	data, err := json.Marshal(payload{Rows: set.Rows, Schema: set.Schema, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	if err := s.client.Set(ctx, s.key(owner, workspaceID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Load returns the stored draft. A missing or expired draft is not an error.
func (s *RedisStore) Load(ctx context.Context, owner, workspaceID string) (model.Set, bool, error) {
	raw, err := s.client.Get(ctx, s.key(owner, workspaceID)).Bytes()
	if err == redis.Nil {
		return model.Set{}, false, nil
	}
	if err != nil {
		return model.Set{}, false, fmt.Errorf("load draft: %w", err)
	}

	var data payload
	if err := json.Unmarshal(raw, &data); err != nil {
		return model.Set{}, false, fmt.Errorf("unmarshal draft: %w", err)
	}
	set := model.Set{Rows: data.Rows, Schema: data.Schema}
	for i := range set.Rows {
		if set.Rows[i].Data == nil {
			set.Rows[i].Data = map[string]string{}
		}
	}
	return set, true, nil
}

func (s *RedisStore) Clear(ctx context.Context, owner, workspaceID string) error {
	if err := s.client.Del(ctx, s.key(owner, workspaceID)).Err(); err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	return nil
}

// Client exposes the connection so the refresh feed can share it
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
