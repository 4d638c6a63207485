package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dataport:"

// RedisStore keeps credentials and project caches in Redis, with expiry
// handled server-side. Useful when several operators share one cache.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) credKey(project, instance string) string {
	return keyPrefix + "cred:" + project + ":" + instance
}

func (s *RedisStore) projectKey(project string) string {
	return keyPrefix + "instances:" + project
}

// Get fetches credentials; a missing or expired key maps to ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, project, instance string) (*Credentials, error) {
	data, err := s.client.Get(ctx, s.credKey(project, instance)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return &creds, nil
}

// Put stores credentials with the given TTL.
func (s *RedisStore) Put(ctx context.Context, project, instance string, creds Credentials, ttl time.Duration) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := s.client.Set(ctx, s.credKey(project, instance), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

// Delete removes an entry. Idempotent.
func (s *RedisStore) Delete(ctx context.Context, project, instance string) error {
	if err := s.client.Del(ctx, s.credKey(project, instance)).Err(); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// GetInstances returns the cached instance list for a project.
func (s *RedisStore) GetInstances(ctx context.Context, project string) ([]string, error) {
	data, err := s.client.Get(ctx, s.projectKey(project)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read instance cache: %w", err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance cache: %w", err)
	}
	return names, nil
}

// PutInstances caches a project's instance list with the given TTL.
func (s *RedisStore) PutInstances(ctx context.Context, project string, names []string, ttl time.Duration) error {
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("failed to marshal instance cache: %w", err)
	}
	if err := s.client.Set(ctx, s.projectKey(project), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store instance cache: %w", err)
	}
	return nil
}
