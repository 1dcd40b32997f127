// Package testhelpers provides in-process stand-ins for Redis and the Open-Meteo APIs
// used by cross-package tests.
package testhelpers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kjstillabower/weather-cache/internal/cache"
	"github.com/kjstillabower/weather-cache/internal/client"
)

// ForecastBody is a minimal Open-Meteo hourly response with two hours of data.
const ForecastBody = `{
	"latitude": 52.25,
	"longitude": 21.0,
	"elevation": 113.0,
	"timezone": "Europe/Warsaw",
	"hourly": {
		"time": ["2024-05-01T00:00", "2024-05-01T01:00"],
		"temperature_2m": [12.5, 11.9],
		"windspeed_10m": [7.2, 6.8],
		"soil_temperature_0cm": [10.1, 9.8],
		"rain": [0.0, 0.2],
		"surface_pressure": [1003.4, 1003.1]
	}
}`

// SearchBody is a geocoding response with a single match.
const SearchBody = `{"results": [{
	"name": "Kraków", "latitude": 50.06143, "longitude": 19.93658,
	"country": "Polska", "admin1": "Małopolskie", "admin2": "Kraków"
}]}`

// ReverseBody is a LocationIQ reverse geocoding response.
const ReverseBody = `{"address": {
	"city": "Kraków", "county": "Kraków", "state": "Małopolskie", "country": "Polska"
}}`

// FakeOpenMeteo serves the forecast, geocoding and reverse geocoding endpoints.
// Set Fail to make every call answer 500.
type FakeOpenMeteo struct {
	Server        *httptest.Server
	ForecastCalls atomic.Int32
	SearchCalls   atomic.Int32
	ReverseCalls  atomic.Int32
	Fail          atomic.Bool
}

// NewFakeOpenMeteo starts a FakeOpenMeteo closed at the end of the test.
func NewFakeOpenMeteo(t testing.TB) *FakeOpenMeteo {
	t.Helper()
	f := &FakeOpenMeteo{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/forecast", f.handle(&f.ForecastCalls, ForecastBody))
	mux.HandleFunc("/v1/search", f.handle(&f.SearchCalls, SearchBody))
	mux.HandleFunc("/v1/reverse", f.handle(&f.ReverseCalls, ReverseBody))
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeOpenMeteo) handle(counter *atomic.Int32, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if f.Fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = fmt.Fprint(w, `{"error": true, "reason": "simulated outage"}`)
			return
		}
		_, _ = fmt.Fprint(w, body)
	}
}

// ClientConfig returns a client configuration pointing every endpoint at f, with a
// single attempt so failures surface immediately.
func (f *FakeOpenMeteo) ClientConfig() client.Config {
	return client.Config{
		ForecastURL:         f.Server.URL + "/v1/forecast",
		GeocodingURL:        f.Server.URL + "/v1/search",
		ReverseGeocodingURL: f.Server.URL + "/v1/reverse",
		LocationIQAPIKey:    "pk.test",
		Timeout:             2 * time.Second,
		RetryAttempts:       1,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       time.Millisecond,
	}
}

// NewClient builds an OpenMeteoClient against f.
func (f *FakeOpenMeteo) NewClient(t testing.TB) *client.OpenMeteoClient {
	t.Helper()
	c, err := client.NewOpenMeteoClient(f.ClientConfig())
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	return c
}

// StartMiniredis runs an in-process Redis closed at the end of the test.
func StartMiniredis(t testing.TB) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

// NewRedisStore returns a RedisStore on mr with the default key prefix.
func NewRedisStore(mr *miniredis.Miniredis) *cache.RedisStore {
	return cache.NewRedisStore(cache.RedisConfig{
		Address:   mr.Addr(),
		KeyPrefix: cache.DefaultKeyPrefix,
		Timeout:   200 * time.Millisecond,
	})
}
