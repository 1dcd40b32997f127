package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// maxRelativeExp is the largest expiration memcached treats as relative seconds;
// larger values are read as a unix timestamp.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedStore implements Store using memcached.
type MemcachedStore struct {
	client    *memcache.Client
	keyPrefix string
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs, keyPrefix string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client, keyPrefix: keyPrefix}
}

// Ping checks that every configured server answers.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.client.Ping()
}

// Get implements Store.Get.
func (s *MemcachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	item, err := s.client.Get(s.keyPrefix + key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, classifyMemcached(err)
	}
	return item.Value, true, nil
}

// Set implements Store.Set. TTLs beyond memcached's 30-day relative limit are sent
// as an absolute unix time.
func (s *MemcachedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	exp := int32(ttl / time.Second)
	if exp > maxRelativeExp {
		exp = int32(time.Now().Add(ttl).Unix())
	}
	if exp <= 0 {
		exp = 1
	}
	err := s.client.Set(&memcache.Item{
		Key:        s.keyPrefix + key,
		Value:      value,
		Expiration: exp,
	})
	if err != nil {
		return classifyMemcached(err)
	}
	return nil
}

// Close closes the memcached client connections.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}

// classifyMemcached wraps replies from a reachable server with ErrRemoteData.
func classifyMemcached(err error) error {
	switch {
	case errors.Is(err, memcache.ErrMalformedKey),
		errors.Is(err, memcache.ErrNotStored),
		errors.Is(err, memcache.ErrServerError):
		return fmt.Errorf("%w: %v", ErrRemoteData, err)
	}
	return err
}
