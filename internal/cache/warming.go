package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache/internal/models"
	"github.com/kjstillabower/weather-cache/internal/observability"
)

// WeatherFetcher is implemented by the service layer to fetch (and cache) a forecast.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type WeatherFetcher interface {
	GetForecast(ctx context.Context, lat, lon float64, days int) (models.WeatherData, error)
}

// WarmTarget is one location prefetched by the warmer.
type WarmTarget struct {
	Name      string
	Latitude  float64
	Longitude float64
	Days      int
}

func (t WarmTarget) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("%.4f,%.4f", t.Latitude, t.Longitude)
}

// CacheWarmer warms the cache by prefetching forecasts for a list of locations.
type CacheWarmer struct {
	fetcher WeatherFetcher
	logger  *zap.Logger
	// runTimeout bounds one scheduled run.
	runTimeout time.Duration
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher WeatherFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger, runTimeout: time.Minute}
}

// Warm fetches each target concurrently; the fetcher writes results through the cache.
// Returns an error if any target failed (joined).
func (w *CacheWarmer) Warm(ctx context.Context, targets []WarmTarget) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(targets)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))
	for _, t := range targets {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.GetForecast(ctx, t.Latitude, t.Longitude, t.Days); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", t, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(targets)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// Schedule runs Warm on the cron schedule spec (standard 5-field or descriptors
// such as "@every 30m"). A run still in progress causes the next one to be skipped.
// The returned scheduler is already running; the caller stops it on shutdown.
func (w *CacheWarmer) Schedule(spec string, targets []WarmTarget) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.runTimeout)
		defer cancel()
		if err := w.Warm(ctx, targets); err != nil {
			w.logger.Warn("scheduled cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("warming schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
