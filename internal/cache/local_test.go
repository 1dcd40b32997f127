package cache

import (
	"bytes"
	"testing"
	"time"
)

// TestLocalStore_GetSet verifies that Set stores payloads and Get returns them
// before expiry.
func TestLocalStore_GetSet(t *testing.T) {
	s := NewLocalStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	s.Set("forecast:52.2297:21.0122:3", []byte(`{"a":1}`), now.Add(time.Hour))

	got, ok := s.Get("forecast:52.2297:21.0122:3", now)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if !bytes.Equal(got, []byte(`{"a":1}`)) {
		t.Errorf("Get() = %s, want {\"a\":1}", got)
	}
}

// TestLocalStore_Get_Miss verifies that Get returns ok=false for an unknown key.
func TestLocalStore_Get_Miss(t *testing.T) {
	s := NewLocalStore()
	if _, ok := s.Get("nonexistent", time.Now()); ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestLocalStore_Get_ExpiredLazily verifies that an expired entry reads as a miss
// but stays in the store until the key is written again.
func TestLocalStore_Get_ExpiredLazily(t *testing.T) {
	s := NewLocalStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.Set("k", []byte("v1"), now.Add(time.Minute))

	if _, ok := s.Get("k", now.Add(time.Minute)); ok {
		t.Error("Get() at expiry ok = true, want false")
	}
	if n := s.Len(); n != 1 {
		t.Errorf("Len() after expired read = %d, want 1", n)
	}

	s.Set("k", []byte("v2"), now.Add(2*time.Hour))
	got, ok := s.Get("k", now.Add(time.Hour))
	if !ok || string(got) != "v2" {
		t.Errorf("Get() after rewrite = %q, %v; want v2, true", got, ok)
	}
	if n := s.Len(); n != 1 {
		t.Errorf("Len() after rewrite = %d, want 1", n)
	}
}

// TestLocalStore_ExpiresAt verifies that the recorded expiration is returned even
// after the entry has expired.
func TestLocalStore_ExpiresAt(t *testing.T) {
	s := NewLocalStore()
	exp := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
	s.Set("k", []byte("v"), exp)

	got, ok := s.ExpiresAt("k")
	if !ok || !got.Equal(exp) {
		t.Errorf("ExpiresAt() = %v, %v; want %v, true", got, ok, exp)
	}
	if _, ok := s.ExpiresAt("missing"); ok {
		t.Error("ExpiresAt(missing) ok = true, want false")
	}
}

// TestLocalStore_Get_WrongType verifies that a foreign value under a key is a miss.
func TestLocalStore_Get_WrongType(t *testing.T) {
	s := NewLocalStore()
	s.items.Set("k", 42, 0)
	if _, ok := s.Get("k", time.Now()); ok {
		t.Error("Get() ok = true, want false for non-entry value")
	}
}
