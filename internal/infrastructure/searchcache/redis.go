// Package searchcache keeps short-lived snapshots of reference search
// results in Redis. Entries are written once per (category, query) and
// never modified; they simply expire.
package searchcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medledger/hms-forms/internal/domain/reference"
)

// Config holds cache configuration
type Config struct {
	Prefix string
	TTL    time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Prefix: "hms-forms:search",
		TTL:    30 * time.Second,
	}
}

// Cache is a Redis-backed search snapshot store
type Cache struct {
	client *redis.Client
	config Config
	logger *zap.Logger
}

// New creates a cache on client
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Cache{client: client, config: cfg, logger: logger}
}

// Connect opens a client for addr and verifies it answers
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// key normalizes the query so "Smith " and "smith" share a snapshot
func (c *Cache) key(category reference.Category, query string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(query), " "))
	sum := sha256.Sum256([]byte(norm))
	return c.config.Prefix + ":" + string(category) + ":" + hex.EncodeToString(sum[:16])
}

// Get returns the snapshot for query. Any Redis failure is a miss.
func (c *Cache) Get(ctx context.Context, category reference.Category, query string) ([]reference.Candidate, bool) {
	raw, err := c.client.Get(ctx, c.key(category, query)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("search cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var candidates []reference.Candidate
	if err := json.Unmarshal(raw, &candidates); err != nil {
		c.logger.Warn("search cache entry corrupt", zap.Error(err))
		return nil, false
	}
	return candidates, true
}

// Put stores a snapshot unless one already exists for the query
func (c *Cache) Put(ctx context.Context, category reference.Category, query string, candidates []reference.Candidate) {
	raw, err := json.Marshal(candidates)
	if err != nil {
		c.logger.Warn("search cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.SetNX(ctx, c.key(category, query), raw, c.config.TTL).Err(); err != nil {
		c.logger.Warn("search cache write failed", zap.Error(err))
	}
}
