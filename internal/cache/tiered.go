package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache/internal/degraded"
	"github.com/kjstillabower/weather-cache/internal/models"
	"github.com/kjstillabower/weather-cache/internal/observability"
)

const (
	tierRemote = "remote"
	tierLocal  = "local"

	defaultProbeTimeout     = 2 * time.Second
	defaultOperationTimeout = 2 * time.Second
)

// Options configures a TieredCache. Zero values select defaults.
type Options struct {
	// ProbeTimeout bounds each PING (construction and re-probes).
	ProbeTimeout time.Duration
	// OperationTimeout bounds each remote GET or SET.
	OperationTimeout time.Duration
	TTL              TTLPolicy
	// Reprobe decides when a degraded cache tries the remote again. Nil means never.
	Reprobe degraded.Policy
	Logger  *zap.Logger
	Now     func() time.Time
}

// TieredCache serves weather records from a remote store while it is reachable
// and from a process-local store after a connectivity failure. Cache problems
// never reach the caller: every failure is a miss or a dropped write.
//
// The remote tier is authoritative while available: a remote miss is a miss even
// if the local store holds the key. Entries written locally during an outage are
// not copied to the remote when it recovers.
type TieredCache struct {
	remote  Store
	local   *LocalStore
	ttl     TTLPolicy
	reprobe degraded.Policy
	logger  *zap.Logger
	now     func() time.Time

	probeTimeout time.Duration
	opTimeout    time.Duration

	available atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewTieredCache creates a TieredCache and probes remote once. It never fails:
// an unreachable or nil remote leaves the cache on its local tier.
func NewTieredCache(ctx context.Context, remote Store, opts Options) *TieredCache {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	if opts.TTL.ttls == nil {
		opts.TTL = DefaultTTLPolicy()
	}
	if opts.Reprobe == nil {
		opts.Reprobe = degraded.Never{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &TieredCache{
		remote:       remote,
		local:        NewLocalStore(),
		ttl:          opts.TTL,
		reprobe:      opts.Reprobe,
		logger:       opts.Logger,
		now:          opts.Now,
		probeTimeout: opts.ProbeTimeout,
		opTimeout:    opts.OperationTimeout,
	}
	if remote == nil {
		c.logger.Info("no remote cache configured, using local store only")
		observability.SetCacheRemoteAvailable(false)
		return c
	}
	if err := c.ping(ctx); err != nil {
		c.logger.Warn("remote cache unreachable, using local store",
			zap.Error(err),
			zap.String("reprobe_policy", c.reprobe.Name()),
		)
		c.reprobe.Degraded(c.now())
		observability.SetCacheRemoteAvailable(false)
		return c
	}
	c.available.Store(true)
	observability.SetCacheRemoteAvailable(true)
	c.logger.Info("remote cache available")
	return c
}

// RemoteAvailable reports whether operations currently target the remote tier.
func (c *TieredCache) RemoteAvailable() bool {
	return c.available.Load()
}

// ReprobeStatus describes the re-probe policy consulted while on the local tier.
func (c *TieredCache) ReprobeStatus() degraded.Status {
	return degraded.Describe(c.reprobe)
}

// Get returns the cached record for the query, or ok=false on a miss. Expired,
// corrupt and mismatched payloads are misses.
func (c *TieredCache) Get(ctx context.Context, category models.Category, lat, lon float64, days int) (models.WeatherData, bool) {
	if !category.Valid() {
		c.logger.Warn("cache get with unknown category", zap.String("category", string(category)))
		return models.WeatherData{}, false
	}
	key := Fingerprint(category, lat, lon, days)
	c.maybeReprobe(ctx)

	if c.available.Load() {
		start := time.Now()
		payload, found, err := c.remoteGet(ctx, key)
		switch {
		case err == nil && !found:
			observability.RecordCacheOp("get", tierRemote, "miss", time.Since(start))
			return models.WeatherData{}, false
		case err == nil:
			observability.RecordCacheOp("get", tierRemote, "hit", time.Since(start))
			return c.decode(payload, category, key, tierRemote)
		case errors.Is(err, ErrRemoteData):
			observability.RecordCacheOp("get", tierRemote, "error", time.Since(start))
			c.logger.Warn("remote cache get failed", zap.String("key", key), zap.Error(err))
			return models.WeatherData{}, false
		default:
			observability.RecordCacheOp("get", tierRemote, "error", time.Since(start))
			c.markUnavailable(err)
		}
	}

	start := time.Now()
	payload, found := c.local.Get(key, c.now())
	if !found {
		observability.RecordCacheOp("get", tierLocal, "miss", time.Since(start))
		return models.WeatherData{}, false
	}
	observability.RecordCacheOp("get", tierLocal, "hit", time.Since(start))
	return c.decode(payload, category, key, tierLocal)
}

// Put stores value under the query's fingerprint with the category's TTL.
// value.DataType is set to category. Failures are logged and dropped.
func (c *TieredCache) Put(ctx context.Context, category models.Category, lat, lon float64, days int, value models.WeatherData) {
	if !category.Valid() {
		c.logger.Warn("cache put with unknown category", zap.String("category", string(category)))
		return
	}
	key := Fingerprint(category, lat, lon, days)
	value.DataType = category
	payload, err := Encode(value)
	if err != nil {
		c.logger.Warn("cache put: encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	ttl := c.ttl.TTL(category)
	c.maybeReprobe(ctx)

	if c.available.Load() {
		start := time.Now()
		err := c.remoteSet(ctx, key, payload, ttl)
		switch {
		case err == nil:
			observability.RecordCacheOp("put", tierRemote, "stored", time.Since(start))
			return
		case errors.Is(err, ErrRemoteData):
			observability.RecordCacheOp("put", tierRemote, "error", time.Since(start))
			c.logger.Warn("remote cache put failed", zap.String("key", key), zap.Error(err))
			return
		default:
			observability.RecordCacheOp("put", tierRemote, "error", time.Since(start))
			c.markUnavailable(err)
		}
	}

	start := time.Now()
	c.local.Set(key, payload, c.ttl.ExpiresAt(category, c.now()))
	observability.RecordCacheOp("put", tierLocal, "stored", time.Since(start))
}

// Close releases the remote connection pool. Later operations use the local tier.
// Close is idempotent.
func (c *TieredCache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.available.Store(false)
		if c.remote != nil {
			c.closeErr = c.remote.Close()
		}
	})
	return c.closeErr
}

func (c *TieredCache) decode(payload []byte, category models.Category, key, tier string) (models.WeatherData, bool) {
	v, err := Decode(payload, category)
	if err != nil {
		observability.CacheDecodeErrorsTotal.Inc()
		c.logger.Warn("discarding undecodable cache entry",
			zap.String("key", key),
			zap.String("tier", tier),
			zap.Error(err),
		)
		return models.WeatherData{}, false
	}
	observability.CacheHitsTotal.WithLabelValues(string(category)).Inc()
	return v, true
}

// markUnavailable flips the cache to its local tier. Only the caller that wins
// the transition logs it and resets the re-probe schedule.
func (c *TieredCache) markUnavailable(err error) {
	if !c.available.CompareAndSwap(true, false) {
		return
	}
	c.reprobe.Degraded(c.now())
	observability.SetCacheRemoteAvailable(false)
	observability.CacheRemoteTransitionsTotal.WithLabelValues(tierLocal).Inc()
	c.logger.Warn("remote cache marked unavailable, falling back to local store",
		zap.Error(err),
		zap.String("error_type", errorLabel(err)),
		zap.String("reprobe_policy", c.reprobe.Name()),
	)
}

func (c *TieredCache) markAvailable() {
	if !c.available.CompareAndSwap(false, true) {
		return
	}
	observability.SetCacheRemoteAvailable(true)
	observability.CacheRemoteTransitionsTotal.WithLabelValues(tierRemote).Inc()
	c.logger.Info("remote cache available again")
}

// maybeReprobe pings the remote if the cache is degraded and the policy grants
// this operation the probe slot.
func (c *TieredCache) maybeReprobe(ctx context.Context) {
	if c.remote == nil || c.closed.Load() || c.available.Load() {
		return
	}
	if !c.reprobe.Claim(c.now()) {
		return
	}
	if err := c.ping(ctx); err != nil {
		observability.CacheReprobesTotal.WithLabelValues("failure").Inc()
		c.logger.Debug("remote cache reprobe failed", zap.Error(err))
		return
	}
	observability.CacheReprobesTotal.WithLabelValues("success").Inc()
	if c.closed.Load() {
		return
	}
	c.markAvailable()
}

func (c *TieredCache) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.probeTimeout)
	defer cancel()
	return c.remote.Ping(ctx)
}

func (c *TieredCache) remoteGet(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
	defer cancel()
	return c.remote.Get(ctx, key)
}

func (c *TieredCache) remoteSet(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
	defer cancel()
	return c.remote.Set(ctx, key, payload, ttl)
}
