//go:build integration
// +build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/kjstillabower/weather-cache/internal/models"
)

// TestMemcachedStore_GetSet_Integration verifies that MemcachedStore successfully
// stores and retrieves payloads when memcached server is available.
func TestMemcachedStore_GetSet_Integration(t *testing.T) {
	s := NewMemcachedStore("localhost:11211", DefaultKeyPrefix, 500*time.Millisecond, 2)
	defer s.Close()

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("Ping failed (memcached may not be running): %v", err)
	}
	if err := s.Set(ctx, "forecast:47.6062:-122.3321:3", []byte(`{"dataType":"forecast"}`), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := s.Get(ctx, "forecast:47.6062:-122.3321:3")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(got) != `{"dataType":"forecast"}` {
		t.Errorf("Get() = %s, want stored payload", got)
	}
}

// TestMemcachedStore_Get_Miss_Integration verifies that MemcachedStore returns
// ok=false when requested key does not exist in memcached.
func TestMemcachedStore_Get_Miss_Integration(t *testing.T) {
	s := NewMemcachedStore("localhost:11211", DefaultKeyPrefix, 500*time.Millisecond, 2)
	defer s.Close()

	ctx := context.Background()
	_, ok, err := s.Get(ctx, "nonexistent")
	if err != nil {
		t.Skipf("Get failed (memcached may not be running): %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestMemcachedStore_LongTTL_Integration verifies that a historical TTL beyond the
// 30-day relative limit is still stored.
func TestMemcachedStore_LongTTL_Integration(t *testing.T) {
	s := NewMemcachedStore("localhost:11211", DefaultKeyPrefix, 500*time.Millisecond, 2)
	defer s.Close()

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("Ping failed (memcached may not be running): %v", err)
	}
	if err := s.Set(ctx, "long", []byte("v"), 40*24*time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok, err := s.Get(ctx, "long"); err != nil || !ok {
		t.Errorf("Get() = %v, %v; want hit", ok, err)
	}
}

// TestTieredCache_Memcached_Integration verifies a Put/Get round trip through a
// memcached-backed TieredCache.
func TestTieredCache_Memcached_Integration(t *testing.T) {
	ctx := context.Background()
	s := NewMemcachedStore("localhost:11211", DefaultKeyPrefix, 500*time.Millisecond, 2)
	c := NewTieredCache(ctx, s, Options{})
	defer c.Close()
	if !c.RemoteAvailable() {
		t.Skip("memcached not running")
	}

	c.Put(ctx, models.CategoryHistorical, lat, lon, 14, sampleWeather(models.CategoryHistorical))
	got, ok := c.Get(ctx, models.CategoryHistorical, lat, lon, 14)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Timezone != "Europe/Warsaw" {
		t.Errorf("Get().Timezone = %q, want Europe/Warsaw", got.Timezone)
	}
}
