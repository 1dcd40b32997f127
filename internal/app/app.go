// Package app builds the cache, client and service from configuration. Both the HTTP
// service and weatherctl are wired through it.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache/internal/cache"
	"github.com/kjstillabower/weather-cache/internal/circuitbreaker"
	"github.com/kjstillabower/weather-cache/internal/client"
	"github.com/kjstillabower/weather-cache/internal/config"
	"github.com/kjstillabower/weather-cache/internal/degraded"
	"github.com/kjstillabower/weather-cache/internal/models"
	"github.com/kjstillabower/weather-cache/internal/observability"
	"github.com/kjstillabower/weather-cache/internal/service"
)

// NewRemoteStore returns the configured remote tier, or nil for BackendNone.
func NewRemoteStore(cfg *config.Config) cache.Store {
	switch cfg.CacheBackend {
	case config.BackendRedis:
		return cache.NewRedisStore(cache.RedisConfig{
			Address:   cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			PoolSize:  cfg.RedisPoolSize,
			KeyPrefix: cfg.CacheKeyPrefix,
			Timeout:   cfg.CacheOperationTimeout,
		})
	case config.BackendMemcached:
		return cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.CacheKeyPrefix, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
	default:
		return nil
	}
}

// NewTieredCache builds the tiered cache and probes the remote tier once.
func NewTieredCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*cache.TieredCache, error) {
	reprobe, err := degraded.New(cfg.ReprobePolicy, degraded.Options{
		Interval:     cfg.ReprobeInterval,
		EveryN:       cfg.ReprobeEveryN,
		BackoffStart: cfg.ReprobeBackoffStart,
		BackoffMax:   cfg.ReprobeBackoffMax,
	})
	if err != nil {
		return nil, fmt.Errorf("reprobe policy: %w", err)
	}
	ttl, err := cache.NewTTLPolicy(map[models.Category]time.Duration{
		models.CategoryForecast:   cfg.ForecastTTL,
		models.CategoryHistorical: cfg.HistoricalTTL,
	}, cfg.ForecastTTL)
	if err != nil {
		return nil, fmt.Errorf("cache ttl: %w", err)
	}

	logger.Info("cache configured",
		zap.String("backend", cfg.CacheBackend),
		zap.String("reprobe_policy", reprobe.Name()),
		zap.Duration("forecast_ttl", cfg.ForecastTTL),
		zap.Duration("historical_ttl", cfg.HistoricalTTL))

	return cache.NewTieredCache(ctx, NewRemoteStore(cfg), cache.Options{
		ProbeTimeout:     cfg.CacheProbeTimeout,
		OperationTimeout: cfg.CacheOperationTimeout,
		TTL:              ttl,
		Reprobe:          reprobe,
		Logger:           logger.Named("cache"),
	}), nil
}

// NewWeatherClient builds the Open-Meteo client and, when enabled, one circuit breaker per upstream.
func NewWeatherClient(cfg *config.Config, logger *zap.Logger) (*client.OpenMeteoClient, error) {
	weatherClient, err := client.NewOpenMeteoClient(client.Config{
		ForecastURL:         cfg.ForecastURL,
		GeocodingURL:        cfg.GeocodingURL,
		ReverseGeocodingURL: cfg.ReverseGeocodingURL,
		Language:            cfg.GeocodingLanguage,
		LocationIQAPIKey:    cfg.LocationIQAPIKey,
		Timeout:             cfg.UpstreamTimeout,
		RetryAttempts:       cfg.RetryAttempts,
		RetryBaseDelay:      cfg.RetryBaseDelay,
		RetryMaxDelay:       cfg.RetryMaxDelay,
	})
	if err != nil {
		return nil, err
	}
	if cfg.LocationIQAPIKey == "" {
		logger.Warn("LOCATIONIQ_API_KEY not set; nearest location returns coordinates only")
	}

	if !cfg.CircuitBreakerEnabled {
		return weatherClient, nil
	}
	onStateChange := func(component string, from, to circuitbreaker.State) {
		logger.Warn("circuit breaker transition",
			zap.String("component", component),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
	}
	for _, upstream := range []string{client.UpstreamOpenMeteo, client.UpstreamLocationIQ} {
		weatherClient.SetCircuitBreaker(upstream, circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        upstream,
			IsFailure:        client.IsUpstreamFailure,
			OnStateChange:    onStateChange,
		}))
		observability.CircuitBreakerState.WithLabelValues(upstream).Set(float64(circuitbreaker.StateClosed))
	}
	logger.Info("circuit breaker enabled",
		zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
		zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	return weatherClient, nil
}

// WarmTargets converts configured warm locations for the cache warmer.
func WarmTargets(locations []config.WarmLocation) []cache.WarmTarget {
	targets := make([]cache.WarmTarget, 0, len(locations))
	for _, l := range locations {
		targets = append(targets, cache.WarmTarget{
			Name:      l.Name,
			Latitude:  l.Latitude,
			Longitude: l.Longitude,
			Days:      l.Days,
		})
	}
	return targets
}

// NewService wires client, tiered cache and service. The caller owns the returned cache
// and must Close it.
func NewService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*service.WeatherService, *cache.TieredCache, error) {
	weatherClient, err := NewWeatherClient(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("weather client: %w", err)
	}
	tieredCache, err := NewTieredCache(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return service.NewWeatherService(weatherClient, tieredCache, cfg.CoalesceEnabled, cfg.CoalesceTimeout), tieredCache, nil
}
