package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig holds connection settings for RedisStore.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
	// Timeout bounds dialing and each read/write on the socket.
	Timeout time.Duration
}

// RedisStore implements Store using Redis.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisStore creates a RedisStore. It does not contact the server; TieredCache
// probes reachability itself.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		PoolTimeout:  cfg.Timeout,
		// A failed command falls back to the local tier instead of retrying.
		MaxRetries: -1,
	})
	return &RedisStore{rdb: rdb, keyPrefix: cfg.KeyPrefix}
}

// Ping implements Store.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	return classifyRedis(s.rdb.Ping(ctx).Err())
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, classifyRedis(err)
	}
	return val, true, nil
}

// Set implements Store.Set as SET key value EX ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return classifyRedis(s.rdb.Set(ctx, s.keyPrefix+key, value, ttl).Err())
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// classifyRedis wraps server reply errors (WRONGTYPE, OOM...) with ErrRemoteData.
// Everything else - dial, I/O, pool and protocol errors - is left as is.
func classifyRedis(err error) error {
	if err == nil {
		return nil
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRemoteData, err)
	}
	return err
}
