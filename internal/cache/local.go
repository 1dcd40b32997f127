package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LocalStore is the in-process fallback tier. It holds serialized payloads with their
// expiration instant and expires them lazily: an expired entry reads as a miss but
// stays in memory until the key is written again. There is no janitor goroutine, so
// memory grows with the number of distinct fingerprints written while degraded.
type LocalStore struct {
	items *gocache.Cache
}

type localEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewLocalStore creates an empty LocalStore.
func NewLocalStore() *LocalStore {
	// cleanupInterval 0 disables go-cache's background eviction; expiry is checked
	// against the caller's clock in Get.
	return &LocalStore{items: gocache.New(gocache.NoExpiration, 0)}
}

// Get returns the payload for key if present and not expired at now.
func (s *LocalStore) Get(key string, now time.Time) ([]byte, bool) {
	v, ok := s.items.Get(key)
	if !ok {
		return nil, false
	}
	e, ok := v.(localEntry)
	if !ok || !now.Before(e.expiresAt) {
		return nil, false
	}
	return e.payload, true
}

// Set stores payload under key, overwriting any previous entry.
func (s *LocalStore) Set(key string, payload []byte, expiresAt time.Time) {
	s.items.Set(key, localEntry{payload: payload, expiresAt: expiresAt}, gocache.NoExpiration)
}
