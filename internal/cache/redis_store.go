// Package cache keeps fetched session metadata in Redis. Metadata never
// changes once the service has issued it, so a hit saves the bootstrap a
// round trip.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"annosync/internal/annotation"
)

// ErrMiss is returned when nothing is cached for a session.
var ErrMiss = errors.New("cache: miss")

const DefaultTTL = 15 * time.Minute

// metadataEntry is the JSON stored for each session
type metadataEntry struct {
	DocumentURL string    `json:"document_url"`
	FeedURL     string    `json:"feed_url"`
	Enabled     bool      `json:"enabled"`
	Permission  string    `json:"permission"`
	UserName    string    `json:"user_name"`
	PushHost    string    `json:"push_host,omitempty"`
	PushChannel string    `json:"push_channel,omitempty"`
	PushToken   string    `json:"push_token,omitempty"`
	CachedAt    time.Time `json:"cached_at"`
}

// RedisStore implements the metadata cache using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
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
		prefix: "annosync:meta:",
		ttl:    ttl,
	}
}

// key hashes the session URL; session URLs may carry tokens.
func (s *RedisStore) key(sessionURL string) string {
	sum := sha256.Sum256([]byte(sessionURL))
	return s.prefix + hex.EncodeToString(sum[:])
}

// SaveMetadata stores meta for sessionURL with the store's TTL.
func (s *RedisStore) SaveMetadata(ctx context.Context, sessionURL string, meta annotation.Metadata) error {
	entry := metadataEntry{
		DocumentURL: meta.DocumentURL,
		FeedURL:     meta.FeedURL,
		Enabled:     meta.Enabled,
		Permission:  string(meta.Permission),
		UserName:    meta.UserName,
		CachedAt:    time.Now().UTC(),
	}
	if meta.Push != nil {
		entry.PushHost = meta.Push.Host
		entry.PushChannel = meta.Push.Channel
		entry.PushToken = meta.Push.Token
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionURL), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// LookupMetadata returns the cached metadata or ErrMiss.
func (s *RedisStore) LookupMetadata(ctx context.Context, sessionURL string) (annotation.Metadata, error) {
	data, err := s.client.Get(ctx, s.key(sessionURL)).Bytes()
	if errors.Is(err, redis.Nil) {
		return annotation.Metadata{}, ErrMiss
	}
	if err != nil {
		return annotation.Metadata{}, fmt.Errorf("lookup metadata: %w", err)
	}

	var entry metadataEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return annotation.Metadata{}, fmt.Errorf("unmarshal metadata: %w", err)
	}

	meta := annotation.Metadata{
		DocumentURL: entry.DocumentURL,
		FeedURL:     entry.FeedURL,
		Enabled:     entry.Enabled,
		Permission:  annotation.Permission(entry.Permission),
		UserName:    entry.UserName,
	}
	if entry.PushChannel != "" {
		meta.Push = &annotation.Push{Host: entry.PushHost, Channel: entry.PushChannel, Token: entry.PushToken}
	}
	return meta, nil
}

// Invalidate drops the cached metadata for sessionURL.
func (s *RedisStore) Invalidate(ctx context.Context, sessionURL string) error {
	if err := s.client.Del(ctx, s.key(sessionURL)).Err(); err != nil {
		return fmt.Errorf("invalidate metadata: %w", err)
	}
	return nil
}

// Client exposes the underlying connection for pub/sub.
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
