package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	ctx := context.Background()

	if _, err := c.Get(ctx, "objstate:demo:1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("get absent = %v, want ErrCacheMiss", err)
	}
	if err := c.Set(ctx, "objstate:demo:1", "A", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := c.Get(ctx, "objstate:demo:1")
	if err != nil || v != "A" {
		t.Fatalf("get = %q, %v", v, err)
	}
	if err := c.Del(ctx, "objstate:demo:1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "objstate:demo:1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("get after del = %v", err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expired get = %v, want ErrCacheMiss", err)
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	c := NewCache(ctx, client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("reachable redis should yield a RedisCache, got %T", c)
	}

	if err := c.Set(ctx, "objstate:demo:1", "I", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := c.Get(ctx, "objstate:demo:1")
	if err != nil || v != "I" {
		t.Fatalf("get = %q, %v", v, err)
	}
	if _, err := c.Get(ctx, "objstate:absent"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("absent = %v, want ErrCacheMiss", err)
	}
	if err := c.Del(ctx, "objstate:demo:1"); err != nil {
		t.Fatalf("del: %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })

	c := NewCache(context.Background(), client)
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("unreachable redis should fall back to memory, got %T", c)
	}
}
