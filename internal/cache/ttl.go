package cache

import (
	"fmt"
	"time"

	"github.com/kjstillabower/weather-cache/internal/models"
)

const (
	// DefaultForecastTTL keeps forecasts for an hour; they are refreshed upstream hourly.
	DefaultForecastTTL = time.Hour
	// DefaultHistoricalTTL keeps observations for a week; they rarely change once recorded.
	DefaultHistoricalTTL = 7 * 24 * time.Hour
)

// TTLPolicy maps a data category to its expiration. Every known category resolves
// to a positive TTL.
type TTLPolicy struct {
	ttls     map[models.Category]time.Duration
	fallback time.Duration
}

// DefaultTTLPolicy returns {forecast: 1h, historical: 7d}.
func DefaultTTLPolicy() TTLPolicy {
	p, _ := NewTTLPolicy(map[models.Category]time.Duration{
		models.CategoryForecast:   DefaultForecastTTL,
		models.CategoryHistorical: DefaultHistoricalTTL,
	}, DefaultForecastTTL)
	return p
}

// NewTTLPolicy builds a policy from per-category TTLs. fallback applies to valid
// categories missing from ttls. All durations must be positive.
func NewTTLPolicy(ttls map[models.Category]time.Duration, fallback time.Duration) (TTLPolicy, error) {
	if fallback <= 0 {
		return TTLPolicy{}, fmt.Errorf("fallback ttl must be positive, got %v", fallback)
	}
	p := TTLPolicy{ttls: make(map[models.Category]time.Duration, len(ttls)), fallback: fallback}
	for c, d := range ttls {
		if !c.Valid() {
			return TTLPolicy{}, fmt.Errorf("ttl for %q: %w", c, models.ErrUnknownCategory)
		}
		if d <= 0 {
			return TTLPolicy{}, fmt.Errorf("ttl for %s must be positive, got %v", c, d)
		}
		p.ttls[c] = d
	}
	return p, nil
}

// TTL returns the expiration for category.
func (p TTLPolicy) TTL(c models.Category) time.Duration {
	if d, ok := p.ttls[c]; ok {
		return d
	}
	if p.fallback <= 0 {
		return DefaultForecastTTL
	}
	return p.fallback
}

// ExpiresAt returns the instant an entry of category written at now expires.
func (p TTLPolicy) ExpiresAt(c models.Category, now time.Time) time.Time {
	return now.Add(p.TTL(c))
}
