package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed verdict cache
type Config struct {
	RedisURL string
	Password string
	DB       int
	TTL      time.Duration
}

// Verdict is the cached outcome of one remote guardrail check for one
// content payload. Keys are content hashes, so identical payloads re-use
// the remote decision within the TTL.
type Verdict struct {
	Status        string   `json:"status"`
	Categories    []string `json:"categories_detected,omitempty"`
	ProcessedText string   `json:"processed_text,omitempty"`
}

// VerdictCache stores remote guardrail verdicts in Redis
type VerdictCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and returns a verdict cache
func New(cfg *Config) (*VerdictCache, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &VerdictCache{client: client, ttl: cfg.TTL}, nil
}

// NewWithClient wraps an existing Redis client (used in tests with miniredis)
func NewWithClient(client *redis.Client, ttl time.Duration) *VerdictCache {
	return &VerdictCache{client: client, ttl: ttl}
}

// Key derives the cache key for a guardrail name and content payload
func Key(guardrailName string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return "quilr:verdict:" + guardrailName + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached verdict for a key, or nil on miss. A nil cache
// never hits.
func (c *VerdictCache) Get(ctx context.Context, key string) (*Verdict, error) {
	if c == nil {
		return nil, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var verdict Verdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		return nil, fmt.Errorf("corrupt cached verdict: %w", err)
	}
	return &verdict, nil
}

// Set stores a verdict under the key for the configured TTL
func (c *VerdictCache) Set(ctx context.Context, key string, verdict *Verdict) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(verdict)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Close releases the Redis connection
func (c *VerdictCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
