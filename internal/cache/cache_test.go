package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/models"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *Cache) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewWithClient(client, DefaultConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestCacheStylesRoundTrip(t *testing.T) {
	_, c := setupMiniRedis(t)
	ctx := context.Background()

	if _, ok := c.GetStyles(ctx); ok {
		t.Fatal("expected miss on empty cache")
	}

	styles := []models.Style{{ID: "a", Name: "Jazz", MixURL: "https://cdn/jazz.mp3"}, {ID: "b", Name: "Lounge"}}
	if err := c.SetStyles(ctx, styles); err != nil {
		t.Fatalf("SetStyles: %v", err)
	}
	got, ok := c.GetStyles(ctx)
	if !ok || len(got) != 2 || got[0].MixURL != "https://cdn/jazz.mp3" {
		t.Fatalf("unexpected cached styles: %+v (hit=%v)", got, ok)
	}

	if err := c.InvalidateStyles(ctx); err != nil {
		t.Fatalf("InvalidateStyles: %v", err)
	}
	if _, ok := c.GetStyles(ctx); ok {
		t.Fatal("expected miss after invalidation")
	}
}

func TestCacheProgressTTLAndPatternInvalidation(t *testing.T) {
	mr, c := setupMiniRedis(t)
	ctx := context.Background()

	for _, styleID := range []string{"jazz", "rock"} {
		if err := c.SetProgress(ctx, models.ProgressEntry{StoreID: "s1", StyleID: styleID, LastPosition: 42}); err != nil {
			t.Fatalf("SetProgress: %v", err)
		}
	}
	if err := c.SetProgress(ctx, models.ProgressEntry{StoreID: "s2", StyleID: "jazz", LastPosition: 7}); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}

	if ttl := mr.TTL(progressKey("s1", "jazz")); ttl != DefaultProgressTTL {
		t.Fatalf("expected ttl %v, got %v", DefaultProgressTTL, ttl)
	}

	if err := c.InvalidateStoreProgress(ctx, "s1"); err != nil {
		t.Fatalf("InvalidateStoreProgress: %v", err)
	}
	if _, ok := c.GetProgress(ctx, "s1", "jazz"); ok {
		t.Fatal("s1 entry should be gone")
	}
	entry, ok := c.GetProgress(ctx, "s2", "jazz")
	if !ok || entry.LastPosition != 7 {
		t.Fatalf("s2 entry should survive, got %+v", entry)
	}

	mr.FastForward(DefaultProgressTTL + time.Second)
	if _, ok := c.GetProgress(ctx, "s2", "jazz"); ok {
		t.Fatal("entry should expire")
	}
}

func TestCacheFlushAllKeepsForeignKeys(t *testing.T) {
	mr, c := setupMiniRedis(t)
	ctx := context.Background()

	if err := c.SetRules(ctx, []models.ScheduleRule{{ID: "r1", StyleID: "a", StartTime: "09:00", EndTime: "17:00"}}); err != nil {
		t.Fatalf("SetRules: %v", err)
	}
	if err := c.SetStore(ctx, &models.Store{ID: "s1", Name: "Downtown"}); err != nil {
		t.Fatalf("SetStore: %v", err)
	}
	if err := mr.Set("other:app:key", "x"); err != nil {
		t.Fatalf("seed foreign key: %v", err)
	}

	if err := c.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if _, ok := c.GetRules(ctx); ok {
		t.Fatal("rules should be flushed")
	}
	if _, ok := c.GetStore(ctx, "s1"); ok {
		t.Fatal("store should be flushed")
	}
	if !mr.Exists("other:app:key") {
		t.Fatal("keys outside the storeplay namespace must survive")
	}
}

func TestCacheDisablesAfterRedisFailure(t *testing.T) {
	mr, c := setupMiniRedis(t)
	ctx := context.Background()

	mr.Close()
	if _, ok := c.GetRules(ctx); ok {
		t.Fatal("expected miss with redis down")
	}
	if c.IsAvailable() {
		t.Fatal("cache should trip its breaker after an error")
	}
	// Disabled cache swallows writes.
	if err := c.SetRules(ctx, []models.ScheduleRule{{ID: "r1"}}); err != nil {
		t.Fatalf("SetRules on disabled cache: %v", err)
	}
}

func TestNilCacheIsAMiss(t *testing.T) {
	var c *Cache
	ctx := context.Background()
	if c.IsAvailable() {
		t.Fatal("nil cache reported available")
	}
	if _, ok := c.GetStore(ctx, "s1"); ok {
		t.Fatal("nil cache returned a hit")
	}
	if err := c.SetStore(ctx, &models.Store{ID: "s1"}); err != nil {
		t.Fatalf("SetStore on nil cache: %v", err)
	}
	if err := c.InvalidateRules(ctx); err != nil {
		t.Fatalf("InvalidateRules on nil cache: %v", err)
	}
}
