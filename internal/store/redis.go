package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/stevedore/internal/model"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "stevedore"

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore implements Store on Redis. A run's tags are a hash and its
// events a list of JSON documents.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) tagsKey(runID string) string {
	return s.prefix + ":run:" + runID + ":tags"
}

func (s *RedisStore) eventsKey(runID string) string {
	return s.prefix + ":run:" + runID + ":events"
}

// RunTags returns all tags stored for a run.
func (s *RedisStore) RunTags(ctx context.Context, runID string) (map[string]string, error) {
	tags, err := s.client.HGetAll(ctx, s.tagsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read run tags: %w", err)
	}
	return tags, nil
}

// AddRunTags merges tags into the run's hash.
func (s *RedisStore) AddRunTags(ctx context.Context, runID string, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	values := make([]any, 0, len(tags)*2)
	for k, v := range tags {
		values = append(values, k, v)
	}
	if err := s.client.HSet(ctx, s.tagsKey(runID), values...).Err(); err != nil {
		return fmt.Errorf("write run tags: %w", err)
	}
	return nil
}

// ReportEvent appends an event to the run's list.
func (s *RedisStore) ReportEvent(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.RPush(ctx, s.eventsKey(ev.RunID), data).Err(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns a run's events in the order they were reported.
func (s *RedisStore) Events(ctx context.Context, runID string) ([]model.Event, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	events := make([]model.Event, 0, len(raw))
	for _, r := range raw {
		var ev model.Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}
