package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slack-exporter/internal/config"
	"github.com/slack-exporter/internal/models"
)

const jobKeyPrefix = "exportjob:"

// RedisStore persists export jobs as JSON documents in Redis, one key per
// workspace. State survives process restarts as long as Redis does, which
// makes this backend useful when exports run from ephemeral containers.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed job store
func NewRedisStore(cfg *config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func jobKey(workspace string) string {
	return jobKeyPrefix + workspace
}

func (s *RedisStore) Load(ctx context.Context, workspace string) (*models.ExportJob, error) {
	data, err := s.client.Get(ctx, jobKey(workspace)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to load job for %s: %w", workspace, err)
	}

	var job models.ExportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode stored job for %s: %w", workspace, err)
	}
	return &job, nil
}

func (s *RedisStore) Save(ctx context.Context, workspace string, job *models.ExportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	// Jobs never expire: a paused export must stay resumable indefinitely
	if err := s.client.Set(ctx, jobKey(workspace), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job for %s: %w", workspace, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, workspace string) error {
	deleted, err := s.client.Del(ctx, jobKey(workspace)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete job for %s: %w", workspace, err)
	}
	if deleted == 0 {
		return ErrNoJob
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
