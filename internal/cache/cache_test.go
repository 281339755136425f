package cache

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"deploy-go/internal/config"
	"deploy-go/internal/deploy"
	"deploy-go/internal/testutil"
)

func newMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func newRedisCache(t *testing.T, srv *miniredis.Miniredis) *RedisCache {
	t.Helper()
	c, err := NewRedisCache(context.Background(), "redis://"+srv.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisCache() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Both implementations must behave the same for the basic contract.
func TestDescriptorCaches(t *testing.T) {
	srv := newMiniredis(t)
	caches := map[string]deploy.DescriptorCache{
		"memory": NewMemoryCache(testutil.FixedClock()),
		"redis":  newRedisCache(t, srv),
	}

	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, ok, err := c.Get(ctx, "descriptor:a"); ok || err != nil {
				t.Fatalf("Get(missing) = %v, %v", ok, err)
			}
			for _, k := range []string{"descriptor:a", "descriptor:b"} {
				if err := c.Set(ctx, k, []byte(`{"schedule":[]}`), time.Minute); err != nil {
					t.Fatalf("Set(%s) error = %v", k, err)
				}
			}
			got, ok, err := c.Get(ctx, "descriptor:a")
			if err != nil || !ok || !bytes.Equal(got, []byte(`{"schedule":[]}`)) {
				t.Fatalf("Get() = %q, %v, %v", got, ok, err)
			}

			if err := c.Invalidate(ctx); err != nil {
				t.Fatalf("Invalidate() error = %v", err)
			}
			for _, k := range []string{"descriptor:a", "descriptor:b"} {
				if _, ok, _ := c.Get(ctx, k); ok {
					t.Errorf("Get(%s) hit after Invalidate()", k)
				}
			}
		})
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	clock := testutil.FixedClock()
	c := NewMemoryCache(clock)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 10*time.Second)
	_ = c.Set(ctx, "forever", []byte("v"), 0)

	clock.Advance(9 * time.Second)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Error("entry expired early")
	}
	clock.Advance(time.Second)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("entry survived its ttl")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want the expired entry dropped", c.Len())
	}
	if _, ok, _ := c.Get(ctx, "forever"); !ok {
		t.Error("entry without ttl expired")
	}
}

func TestMemoryCache_SweepsUnreadKeys(t *testing.T) {
	clock := testutil.FixedClock()
	c := NewMemoryCache(clock)
	ctx := context.Background()

	_ = c.Set(ctx, "descriptor:1:m1", []byte("v"), 10*time.Second)
	clock.Advance(sweepInterval)
	_ = c.Set(ctx, "descriptor:2:m1", []byte("v"), 10*time.Second)
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want the stale key swept", c.Len())
	}
}

func TestMemoryCache_CopiesValue(t *testing.T) {
	c := NewMemoryCache(testutil.FixedClock())
	ctx := context.Background()
	buf := []byte("abc")
	_ = c.Set(ctx, "k", buf, 0)
	buf[0] = 'x'
	got, _, _ := c.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("Get() = %q, caller mutation leaked into the cache", got)
	}
}

func TestRedisCache_PrefixAndTTL(t *testing.T) {
	srv := newMiniredis(t)
	c := newRedisCache(t, srv)
	ctx := context.Background()

	if err := srv.Set("unrelated", "keep"); err != nil {
		t.Fatal(err)
	}
	_ = c.Set(ctx, "descriptor:m1", []byte("d"), 30*time.Second)

	if !srv.Exists(DefaultKeyPrefix + "descriptor:m1") {
		t.Fatal("key not written under the prefix")
	}
	if ttl := srv.TTL(DefaultKeyPrefix + "descriptor:m1"); ttl != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", ttl)
	}

	srv.FastForward(31 * time.Second)
	if _, ok, _ := c.Get(ctx, "descriptor:m1"); ok {
		t.Error("entry survived its ttl")
	}

	_ = c.Set(ctx, "descriptor:m2", []byte("d"), 0)
	if err := c.Invalidate(ctx); err != nil {
		t.Fatal(err)
	}
	if !srv.Exists("unrelated") {
		t.Error("Invalidate() removed a key outside the prefix")
	}
}

func TestRedisCache_InvalidateManyKeys(t *testing.T) {
	srv := newMiniredis(t)
	c := newRedisCache(t, srv)
	ctx := context.Background()

	for i := range 3*scanBatch + 7 {
		_ = c.Set(ctx, fmt.Sprintf("descriptor:m%d", i), []byte("d"), 0)
	}
	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if n := len(srv.Keys()); n != 0 {
		t.Errorf("%d keys left after Invalidate()", n)
	}
}

func TestRedisCache_Unreachable(t *testing.T) {
	srv := newMiniredis(t)
	c := newRedisCache(t, srv)
	srv.Close()

	if _, _, err := c.Get(context.Background(), "k"); err == nil {
		t.Error("Get() on a closed server returned no error")
	}
}

func TestNewCacheFromConfig(t *testing.T) {
	srv := newMiniredis(t)
	clock := testutil.FixedClock()

	tests := []struct {
		name    string
		cfg     config.CacheConfig
		want    string
		wantErr bool
	}{
		{"default", config.CacheConfig{}, "nop", false},
		{"none", config.CacheConfig{Type: "none"}, "nop", false},
		{"memory", config.CacheConfig{Type: "memory"}, "memory", false},
		{"redis", config.CacheConfig{Type: "redis", RedisURL: "redis://" + srv.Addr()}, "redis", false},
		{"redis without url", config.CacheConfig{Type: "redis"}, "", true},
		{"bad url", config.CacheConfig{Type: "redis", RedisURL: "http://nope"}, "", true},
		{"unknown", config.CacheConfig{Type: "memcached"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCacheFromConfig(context.Background(), tt.cfg, clock)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewCacheFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			var got string
			switch v := c.(type) {
			case deploy.NopCache:
				got = "nop"
			case *MemoryCache:
				got = "memory"
			case *RedisCache:
				got = "redis"
				v.Close()
			}
			if got != tt.want {
				t.Errorf("cache = %T, want %s", c, tt.want)
			}
		})
	}
}
