package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache/internal/cache"
	"github.com/kjstillabower/weather-cache/internal/client"
	"github.com/kjstillabower/weather-cache/internal/degraded"
	"github.com/kjstillabower/weather-cache/internal/models"
	"github.com/kjstillabower/weather-cache/internal/observability"
)

// Cache is the tiered cache surface used by the service. *cache.TieredCache implements it.
type Cache interface {
	Get(ctx context.Context, category models.Category, lat, lon float64, days int) (models.WeatherData, bool)
	Put(ctx context.Context, category models.Category, lat, lon float64, days int, value models.WeatherData)
	RemoteAvailable() bool
	ReprobeStatus() degraded.Status
}

// WeatherService serves weather series cache-aside: it consults the tiered cache,
// fetches from Open-Meteo on a miss and writes the result back.
type WeatherService struct {
	client          client.WeatherClient
	cache           Cache
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil when coalescing is disabled
}

var _ cache.WeatherFetcher = (*WeatherService)(nil)

// NewWeatherService creates a WeatherService. coalesceEnabled and coalesceTimeout configure
// request coalescing (disabled if timeout is 0).
func NewWeatherService(client client.WeatherClient, cache Cache, coalesceEnabled bool, coalesceTimeout time.Duration) *WeatherService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &WeatherService{
		client:          client,
		cache:           cache,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts the request-scoped zap.Logger set by the HTTP middleware.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.NewNop()
}

// GetForecast returns the hourly forecast for the next days days at lat/lon.
func (s *WeatherService) GetForecast(ctx context.Context, lat, lon float64, days int) (models.WeatherData, error) {
	return s.GetWeather(ctx, models.CategoryForecast, models.Location{Latitude: lat, Longitude: lon}, days)
}

// GetHistorical returns the hourly series for the past days days at lat/lon.
func (s *WeatherService) GetHistorical(ctx context.Context, lat, lon float64, days int) (models.WeatherData, error) {
	return s.GetWeather(ctx, models.CategoryHistorical, models.Location{Latitude: lat, Longitude: lon}, days)
}

// GetWeather returns the series of category for loc and horizon days.
// Upstream failures are returned; nothing is cached for them.
func (s *WeatherService) GetWeather(ctx context.Context, category models.Category, loc models.Location, days int) (models.WeatherData, error) {
	if !category.Valid() {
		return models.WeatherData{}, fmt.Errorf("%w: %q", models.ErrUnknownCategory, category)
	}
	start := time.Now()
	logger := loggerFromContext(ctx)
	observability.RecordWeatherQuery(string(category))

	if cached, ok := s.cache.Get(ctx, category, loc.Latitude, loc.Longitude, days); ok {
		logger.Debug("weather served",
			zap.String("category", string(category)),
			zap.Bool("cached", true),
			zap.Duration("duration", time.Since(start)),
		)
		return cached, nil
	}

	key := cache.Fingerprint(category, loc.Latitude, loc.Longitude, days)
	concurrentMisses, done := s.stampedeTracker.begin(key)
	defer done()
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(string(category)).Inc()
	}
	logger.Debug("cache miss, fetching upstream", zap.String("key", key))

	fetch := func(ctx context.Context) (models.WeatherData, error) {
		data, err := s.fetchUpstream(ctx, category, loc, days)
		if err != nil {
			return models.WeatherData{}, err
		}
		if len(data.TimeSeries) == 0 {
			logger.Debug("empty series not cached", zap.String("key", key))
			return data, nil
		}
		s.cache.Put(ctx, category, loc.Latitude, loc.Longitude, days, data)
		return data, nil
	}

	var data models.WeatherData
	var err error
	if s.coalescer != nil {
		var shared bool
		data, shared, err = s.coalescer.Do(ctx, key, fetch)
		if shared && err == nil {
			observability.RequestCoalescingHitsTotal.WithLabelValues(string(category)).Inc()
		}
	} else {
		data, err = fetch(ctx)
	}
	if err != nil {
		return models.WeatherData{}, fmt.Errorf("fetch %s: %w", key, err)
	}

	logger.Debug("weather served",
		zap.String("category", string(category)),
		zap.Bool("cached", false),
		zap.Duration("duration", time.Since(start)),
	)
	return data, nil
}

func (s *WeatherService) fetchUpstream(ctx context.Context, category models.Category, loc models.Location, days int) (models.WeatherData, error) {
	switch category {
	case models.CategoryHistorical:
		return s.client.GetHistorical(ctx, loc, days)
	default:
		return s.client.GetForecast(ctx, loc, days)
	}
}

// SearchLocations looks up places by name through the geocoding API. Results are not cached.
func (s *WeatherService) SearchLocations(ctx context.Context, name string) ([]models.Location, error) {
	name = normalizeName(name)
	if name == "" {
		return []models.Location{}, nil
	}
	locations, err := s.client.SearchLocations(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("search locations %q: %w", name, err)
	}
	return locations, nil
}

// NearestLocation reverse geocodes lat/lon.
func (s *WeatherService) NearestLocation(ctx context.Context, lat, lon float64) (models.Location, error) {
	loc, err := s.client.NearestLocation(ctx, lat, lon)
	if err != nil {
		return models.Location{}, fmt.Errorf("nearest location %.4f,%.4f: %w", lat, lon, err)
	}
	return loc, nil
}

// CacheRemoteAvailable reports whether the cache is on its remote tier. Used by /health.
func (s *WeatherService) CacheRemoteAvailable() bool {
	return s.cache.RemoteAvailable()
}

// CacheReprobeStatus describes how the cache tries to get back to its remote tier.
func (s *WeatherService) CacheReprobeStatus() degraded.Status {
	return s.cache.ReprobeStatus()
}

// normalizeName trims and collapses internal whitespace. Case is preserved: the
// geocoding API ranks exact-case matches and Polish names carry diacritics.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
