package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kjstillabower/weather-cache/internal/circuitbreaker"
	"github.com/kjstillabower/weather-cache/internal/models"
	"github.com/kjstillabower/weather-cache/internal/observability"
)

// Default upstream endpoints.
const (
	DefaultForecastURL         = "https://api.open-meteo.com/v1/forecast"
	DefaultGeocodingURL        = "https://geocoding-api.open-meteo.com/v1/search"
	DefaultReverseGeocodingURL = "https://eu1.locationiq.com/v1/reverse"
	DefaultLanguage            = "pl"
)

// Open-Meteo horizon limits.
const (
	MaxForecastDays = 16
	MaxPastDays     = 92
)

// hourlyVariables is the fixed set of hourly series requested for every location.
const hourlyVariables = "temperature_2m,windspeed_10m,soil_temperature_0cm,rain,surface_pressure"

// searchResultCount caps geocoding search results.
const searchResultCount = 5

// Endpoint labels used in metrics and errors.
const (
	EndpointForecast         = "forecast"
	EndpointHistorical       = "historical"
	EndpointGeocoding        = "geocoding"
	EndpointReverseGeocoding = "reverse_geocoding"
)

// Upstreams a circuit breaker can guard.
const (
	UpstreamOpenMeteo  = "open_meteo"
	UpstreamLocationIQ = "location_iq"
)

// unableToGeocode is LocationIQ's reply for coordinates with no named place (open sea, wilderness).
const unableToGeocode = "Unable to geocode"

// WeatherClient is the upstream surface the service layer depends on.
type WeatherClient interface {
	GetForecast(ctx context.Context, loc models.Location, days int) (models.WeatherData, error)
	GetHistorical(ctx context.Context, loc models.Location, pastDays int) (models.WeatherData, error)
	SearchLocations(ctx context.Context, name string) ([]models.Location, error)
	NearestLocation(ctx context.Context, lat, lon float64) (models.Location, error)
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrBadRequest       = errors.New("bad request")
	ErrInvalidResponse  = errors.New("invalid upstream response")
)

// Config configures an OpenMeteoClient. Empty URLs fall back to the public endpoints.
type Config struct {
	ForecastURL         string
	GeocodingURL        string
	ReverseGeocodingURL string
	Language            string
	// LocationIQAPIKey enables reverse geocoding; without it NearestLocation returns a coordinate-named placeholder.
	LocationIQAPIKey string
	Timeout          time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

// OpenMeteoClient talks to the Open-Meteo forecast and geocoding APIs and to LocationIQ.
type OpenMeteoClient struct {
	forecastURL    *url.URL
	geocodingURL   *url.URL
	reverseURL     *url.URL
	language       string
	apiKey         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breakers       map[string]*circuitbreaker.CircuitBreaker
}

// NewOpenMeteoClient validates cfg and builds a client. Retry settings default to
// 3 attempts, 100ms base delay and 2s max delay.
func NewOpenMeteoClient(cfg Config) (*OpenMeteoClient, error) {
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = DefaultForecastURL
	}
	if cfg.GeocodingURL == "" {
		cfg.GeocodingURL = DefaultGeocodingURL
	}
	if cfg.ReverseGeocodingURL == "" {
		cfg.ReverseGeocodingURL = DefaultReverseGeocodingURL
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}

	forecastURL, err := parseEndpoint(cfg.ForecastURL)
	if err != nil {
		return nil, fmt.Errorf("forecast url: %w", err)
	}
	geocodingURL, err := parseEndpoint(cfg.GeocodingURL)
	if err != nil {
		return nil, fmt.Errorf("geocoding url: %w", err)
	}
	reverseURL, err := parseEndpoint(cfg.ReverseGeocodingURL)
	if err != nil {
		return nil, fmt.Errorf("reverse geocoding url: %w", err)
	}

	return &OpenMeteoClient{
		forecastURL:    forecastURL,
		geocodingURL:   geocodingURL,
		reverseURL:     reverseURL,
		language:       cfg.Language,
		apiKey:         cfg.LocationIQAPIKey,
		timeout:        cfg.Timeout,
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}, nil
}

func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}

// SetCircuitBreaker guards upstream (UpstreamOpenMeteo or UpstreamLocationIQ) with cb.
// Call before serving traffic.
func (c *OpenMeteoClient) SetCircuitBreaker(upstream string, cb *circuitbreaker.CircuitBreaker) {
	c.breakers[upstream] = cb
}

// IsUpstreamFailure reports whether err says something about upstream health, as opposed
// to a bad request or an unknown place. Used as the circuit breaker failure filter.
func IsUpstreamFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrLocationNotFound) &&
		!errors.Is(err, ErrBadRequest) &&
		!errors.Is(err, ErrInvalidAPIKey)
}

type forecastResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
	Timezone  string  `json:"timezone"`
	Hourly    struct {
		Time            []string   `json:"time"`
		Temperature2m   []*float64 `json:"temperature_2m"`
		WindSpeed10m    []*float64 `json:"windspeed_10m"`
		SoilTemperature []*float64 `json:"soil_temperature_0cm"`
		Rain            []*float64 `json:"rain"`
		SurfacePressure []*float64 `json:"surface_pressure"`
	} `json:"hourly"`
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Admin1    string  `json:"admin1"`
		Admin2    string  `json:"admin2"`
		Country   string  `json:"country"`
	} `json:"results"`
}

// GetForecast fetches the hourly forecast for the next days days (0..MaxForecastDays).
func (c *OpenMeteoClient) GetForecast(ctx context.Context, loc models.Location, days int) (models.WeatherData, error) {
	if days < 0 || days > MaxForecastDays {
		return models.WeatherData{}, fmt.Errorf("%w: forecast days %d outside 0..%d", ErrBadRequest, days, MaxForecastDays)
	}
	return c.getSeries(ctx, EndpointForecast, models.CategoryForecast, loc, "forecast_days", days)
}

// GetHistorical fetches the hourly series for the past pastDays days (0..MaxPastDays).
func (c *OpenMeteoClient) GetHistorical(ctx context.Context, loc models.Location, pastDays int) (models.WeatherData, error) {
	if pastDays < 0 || pastDays > MaxPastDays {
		return models.WeatherData{}, fmt.Errorf("%w: past days %d outside 0..%d", ErrBadRequest, pastDays, MaxPastDays)
	}
	return c.getSeries(ctx, EndpointHistorical, models.CategoryHistorical, loc, "past_days", pastDays)
}

func (c *OpenMeteoClient) getSeries(ctx context.Context, endpoint string, category models.Category, loc models.Location, horizonParam string, horizon int) (models.WeatherData, error) {
	params := url.Values{}
	params.Set("latitude", formatCoord(loc.Latitude))
	params.Set("longitude", formatCoord(loc.Longitude))
	params.Set("hourly", hourlyVariables)
	params.Set(horizonParam, strconv.Itoa(horizon))
	params.Set("timezone", "auto")

	body, err := c.fetch(ctx, UpstreamOpenMeteo, endpoint, withQuery(c.forecastURL, params))
	if err != nil {
		return models.WeatherData{}, err
	}

	var resp forecastResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.WeatherData{}, fmt.Errorf("%w: parse %s response: %v", ErrInvalidResponse, endpoint, err)
	}
	series, err := mapSeries(resp)
	if err != nil {
		return models.WeatherData{}, fmt.Errorf("%w: %s: %v", ErrInvalidResponse, endpoint, err)
	}
	timezone := resp.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	return models.WeatherData{
		Location:   loc,
		TimeSeries: series,
		Elevation:  resp.Elevation,
		Timezone:   timezone,
		DataType:   category,
	}, nil
}

// mapSeries zips the hourly arrays by index. Short or null arrays leave the value nil.
func mapSeries(resp forecastResponse) ([]models.TimeSeriesEntry, error) {
	h := resp.Hourly
	series := make([]models.TimeSeriesEntry, 0, len(h.Time))
	for i, ts := range h.Time {
		t, err := models.ParseLocalTime(ts)
		if err != nil {
			return nil, err
		}
		series = append(series, models.TimeSeriesEntry{
			Time:            t,
			Temperature2m:   valueAt(h.Temperature2m, i),
			WindSpeed:       valueAt(h.WindSpeed10m, i),
			SoilTemperature: valueAt(h.SoilTemperature, i),
			Rain:            valueAt(h.Rain, i),
			SurfacePressure: valueAt(h.SurfacePressure, i),
		})
	}
	return series, nil
}

func valueAt(values []*float64, i int) *float64 {
	if i >= len(values) {
		return nil
	}
	return values[i]
}

// SearchLocations looks up places by name. No match is an empty slice, not an error.
func (c *OpenMeteoClient) SearchLocations(ctx context.Context, name string) ([]models.Location, error) {
	params := url.Values{}
	params.Set("name", name)
	params.Set("count", strconv.Itoa(searchResultCount))
	params.Set("language", c.language)
	params.Set("format", "json")

	body, err := c.fetch(ctx, UpstreamOpenMeteo, EndpointGeocoding, withQuery(c.geocodingURL, params))
	if err != nil {
		return nil, err
	}

	var resp geocodingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse geocoding response: %v", ErrInvalidResponse, err)
	}
	locations := make([]models.Location, 0, len(resp.Results))
	for _, r := range resp.Results {
		locations = append(locations, models.Location{
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Name:      r.Name,
			County:    r.Admin2,
			Region:    r.Admin1,
			Country:   r.Country,
		})
	}
	return locations, nil
}

// Address fields tried in order for each administrative level of a reverse geocoding result.
var (
	townFields   = []string{"city", "town", "village", "suburb", "municipality"}
	countyFields = []string{"county", "district", "city_district"}
	regionFields = []string{"state", "province", "region", "state_district"}
)

// NearestLocation reverse geocodes lat/lon through LocationIQ. Coordinates with no named
// place yield a placeholder location rather than an error.
func (c *OpenMeteoClient) NearestLocation(ctx context.Context, lat, lon float64) (models.Location, error) {
	if c.apiKey == "" {
		return coordinateLocation(lat, lon), nil
	}

	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("lat", formatCoord(lat))
	params.Set("lon", formatCoord(lon))
	params.Set("format", "json")

	body, err := c.fetch(ctx, UpstreamLocationIQ, EndpointReverseGeocoding, withQuery(c.reverseURL, params))
	if errors.Is(err, ErrLocationNotFound) {
		return unnamedLocation(lat, lon), nil
	}
	if err != nil {
		return models.Location{}, err
	}
	if !gjson.ValidBytes(body) {
		return models.Location{}, fmt.Errorf("%w: reverse geocoding response is not JSON", ErrInvalidResponse)
	}

	if msg := gjson.GetBytes(body, "error"); msg.Exists() {
		if msg.String() == unableToGeocode {
			return unnamedLocation(lat, lon), nil
		}
		return models.Location{}, fmt.Errorf("%w: reverse geocoding: %s", ErrUpstreamFailure, msg.String())
	}

	address := gjson.GetBytes(body, "address")
	loc := models.Location{
		Latitude:  lat,
		Longitude: lon,
		Name:      firstOf(address, townFields),
		County:    firstOf(address, countyFields),
		Region:    firstOf(address, regionFields),
		Country:   address.Get("country").String(),
	}
	if loc.Name == "" {
		loc.Name = coordinateName(lat, lon)
	}
	return loc, nil
}

func firstOf(address gjson.Result, fields []string) string {
	for _, f := range fields {
		if v := address.Get(f); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func coordinateName(lat, lon float64) string {
	return fmt.Sprintf("Location (%.4f, %.4f)", lat, lon)
}

func coordinateLocation(lat, lon float64) models.Location {
	return models.Location{Latitude: lat, Longitude: lon, Name: coordinateName(lat, lon)}
}

func unnamedLocation(lat, lon float64) models.Location {
	return models.Location{
		Latitude:  lat,
		Longitude: lon,
		Name:      "Unnamed location",
		County:    "No data",
		Region:    "No data",
	}
}

// fetch performs a GET with retries, guarded by the upstream's circuit breaker when one is set.
func (c *OpenMeteoClient) fetch(ctx context.Context, upstream, endpoint string, u *url.URL) ([]byte, error) {
	cb := c.breakers[upstream]
	if cb == nil {
		return c.fetchWithRetry(ctx, endpoint, u)
	}
	var body []byte
	err := cb.Call(ctx, func(ctx context.Context) error {
		var err error
		body, err = c.fetchWithRetry(ctx, endpoint, u)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamFailure, endpoint, err)
	}
	return body, err
}

func (c *OpenMeteoClient) fetchWithRetry(ctx context.Context, endpoint string, u *url.URL) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.callAPI(ctx, endpoint, u)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, endpoint string, u *url.URL) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%s request timeout: %w", endpoint, err)
		}
		return nil, fmt.Errorf("%s http request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := handleErrorResponse(endpoint, resp.StatusCode, body); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, fmt.Errorf("%w: read %s response body: %v", ErrUpstreamFailure, endpoint, readErr)
	}
	return body, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *OpenMeteoClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

// handleErrorResponse maps a non-2xx status to a sentinel error. Open-Meteo puts the
// cause in "reason", LocationIQ in "error".
func handleErrorResponse(endpoint string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	reason := gjson.GetBytes(body, "reason").String()
	if reason == "" {
		if e := gjson.GetBytes(body, "error"); e.Type == gjson.String {
			reason = e.String()
		}
	}
	if reason == "" {
		reason = fmt.Sprintf("HTTP %d", statusCode)
	}

	switch {
	case statusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s: %s", ErrBadRequest, endpoint, reason)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %s", ErrInvalidAPIKey, endpoint, reason)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", ErrLocationNotFound, endpoint, reason)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, endpoint)
	}
	return fmt.Errorf("%w: %s: %s", ErrUpstreamFailure, endpoint, reason)
}

func withQuery(base *url.URL, params url.Values) *url.URL {
	u := *base
	u.RawQuery = params.Encode()
	return &u
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
