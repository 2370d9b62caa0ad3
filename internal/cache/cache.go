/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for catalog reads and
// resume positions. Every method degrades to a miss when Redis is down.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/models"
	"github.com/friendsincode/storeplay/internal/telemetry"
)

// Default TTL values for different cache types
const (
	DefaultCatalogTTL  = 5 * time.Minute
	DefaultStoreTTL    = 30 * time.Minute
	DefaultProgressTTL = 24 * time.Hour
)

// Key prefixes for Redis cache
const (
	KeyStyles   = "storeplay:cache:styles"
	KeyRules    = "storeplay:cache:rules"
	KeyStore    = "storeplay:cache:store:"    // + store_id
	KeyProgress = "storeplay:cache:progress:" // + store_id:style_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CatalogTTL  time.Duration
	StoreTTL    time.Duration
	ProgressTTL time.Duration

	// DisableOnError trips the breaker on the first Redis error.
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		CatalogTTL:     DefaultCatalogTTL,
		StoreTTL:       DefaultStoreTTL,
		ProgressTTL:    DefaultProgressTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		_ = client.Close()
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config, logger zerolog.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c != nil && c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational. A nil cache is never
// available, so callers may hold a nil *Cache when Redis is not configured.
func (c *Cache) IsAvailable() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")
	telemetry.CacheOperationsTotal.WithLabelValues(operation, "error").Inc()

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		telemetry.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}
	telemetry.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// delete removes a key from cache.
func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// Use SCAN to find keys (safer than KEYS for production)
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Catalog

// GetStyles returns the cached style list.
func (c *Cache) GetStyles(ctx context.Context) ([]models.Style, bool) {
	var styles []models.Style
	found, err := c.get(ctx, KeyStyles, &styles)
	if err != nil || !found {
		return nil, false
	}
	return styles, true
}

// SetStyles caches the style list.
func (c *Cache) SetStyles(ctx context.Context, styles []models.Style) error {
	if !c.IsAvailable() {
		return nil
	}
	return c.set(ctx, KeyStyles, styles, c.config.CatalogTTL)
}

// InvalidateStyles drops the style list.
func (c *Cache) InvalidateStyles(ctx context.Context) error {
	return c.delete(ctx, KeyStyles)
}

// GetRules returns the cached rule list.
func (c *Cache) GetRules(ctx context.Context) ([]models.ScheduleRule, bool) {
	var rules []models.ScheduleRule
	found, err := c.get(ctx, KeyRules, &rules)
	if err != nil || !found {
		return nil, false
	}
	return rules, true
}

// SetRules caches the full rule list.
func (c *Cache) SetRules(ctx context.Context, rules []models.ScheduleRule) error {
	if !c.IsAvailable() {
		return nil
	}
	return c.set(ctx, KeyRules, rules, c.config.CatalogTTL)
}

// InvalidateRules drops the rule list.
func (c *Cache) InvalidateRules(ctx context.Context) error {
	return c.delete(ctx, KeyRules)
}

// GetStore returns a cached store.
func (c *Cache) GetStore(ctx context.Context, storeID string) (*models.Store, bool) {
	var store models.Store
	found, err := c.get(ctx, KeyStore+storeID, &store)
	if err != nil || !found {
		return nil, false
	}
	return &store, true
}

// SetStore caches a store.
func (c *Cache) SetStore(ctx context.Context, store *models.Store) error {
	if !c.IsAvailable() {
		return nil
	}
	return c.set(ctx, KeyStore+store.ID, store, c.config.StoreTTL)
}

// InvalidateStore drops a cached store.
func (c *Cache) InvalidateStore(ctx context.Context, storeID string) error {
	return c.delete(ctx, KeyStore+storeID)
}

// Progress

func progressKey(storeID, styleID string) string {
	return KeyProgress + storeID + ":" + styleID
}

// GetProgress returns a cached progress entry.
func (c *Cache) GetProgress(ctx context.Context, storeID, styleID string) (*models.ProgressEntry, bool) {
	var entry models.ProgressEntry
	found, err := c.get(ctx, progressKey(storeID, styleID), &entry)
	if err != nil || !found {
		return nil, false
	}
	return &entry, true
}

// SetProgress caches a progress entry.
func (c *Cache) SetProgress(ctx context.Context, entry models.ProgressEntry) error {
	if !c.IsAvailable() {
		return nil
	}
	return c.set(ctx, progressKey(entry.StoreID, entry.StyleID), entry, c.config.ProgressTTL)
}

// InvalidateStoreProgress drops every cached entry of a store.
func (c *Cache) InvalidateStoreProgress(ctx context.Context, storeID string) error {
	return c.deletePattern(ctx, KeyProgress+storeID+":*")
}

// FlushAll clears all storeplay cache keys.
func (c *Cache) FlushAll(ctx context.Context) error {
	return c.deletePattern(ctx, "storeplay:cache:*")
}
