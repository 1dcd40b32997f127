package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Cache backends accepted by cache.backend / CACHE_BACKEND.
const (
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
	BackendNone      = "none"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	ForecastURL       string
	GeocodingURL      string
	GeocodingLanguage string
	UpstreamTimeout   time.Duration

	ReverseGeocodingURL string
	LocationIQAPIKey    string

	RequestTimeout time.Duration

	CacheBackend          string // "redis", "memcached" or "none"
	CacheKeyPrefix        string
	CacheProbeTimeout     time.Duration
	CacheOperationTimeout time.Duration
	ForecastTTL           time.Duration
	HistoricalTTL         time.Duration

	ReprobePolicy       string
	ReprobeInterval     time.Duration
	ReprobeEveryN       int
	ReprobeBackoffStart time.Duration
	ReprobeBackoffMax   time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	ShutdownTimeout time.Duration

	TrafficWindow    time.Duration
	DegradedErrorPct int

	WarmingEnabled   bool
	WarmingSchedule  string
	WarmingLocations []WarmLocation
}

// WarmLocation is a place whose forecast is prefetched by the cache warmer.
type WarmLocation struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"lat"`
	Longitude float64 `yaml:"lon"`
	Days      int     `yaml:"days"`
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	OpenMeteo struct {
		ForecastURL  string `yaml:"forecast_url"`
		GeocodingURL string `yaml:"geocoding_url"`
		Language     string `yaml:"language"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"open_meteo"`

	LocationIQ struct {
		ReverseURL string `yaml:"reverse_url"`
	} `yaml:"location_iq"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend          string  `yaml:"backend"`
		KeyPrefix        *string `yaml:"key_prefix"`
		ProbeTimeout     string  `yaml:"probe_timeout"`
		OperationTimeout string  `yaml:"operation_timeout"`
		TTL              struct {
			Forecast   string `yaml:"forecast"`
			Historical string `yaml:"historical"`
		} `yaml:"ttl"`
		Reprobe struct {
			Policy       string `yaml:"policy"`
			Interval     string `yaml:"interval"`
			EveryN       int    `yaml:"every_n"`
			BackoffStart string `yaml:"backoff_start"`
			BackoffMax   string `yaml:"backoff_max"`
		} `yaml:"reprobe"`
		Redis struct {
			Addr     string `yaml:"addr"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
		Coalesce struct {
			Enabled *bool  `yaml:"enabled"`
			Timeout string `yaml:"timeout"`
		} `yaml:"coalesce"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		TrafficWindow    string `yaml:"traffic_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	Warming struct {
		Enabled   bool           `yaml:"enabled"`
		Schedule  string         `yaml:"schedule"`
		Locations []WarmLocation `yaml:"locations"`
	} `yaml:"warming"`
}

type secretsFile struct {
	LocationIQAPIKey string `yaml:"location_iq_api_key"`
	RedisPassword    string `yaml:"redis_password"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory, if present, is loaded into the environment first;
// variables already set are not overridden. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = envOr("PORT", fc.Server.Port, "8080")

	cfg.ForecastURL = stringOr(fc.OpenMeteo.ForecastURL, "https://api.open-meteo.com/v1/forecast")
	cfg.GeocodingURL = stringOr(fc.OpenMeteo.GeocodingURL, "https://geocoding-api.open-meteo.com/v1/search")
	cfg.GeocodingLanguage = stringOr(fc.OpenMeteo.Language, "pl")
	cfg.UpstreamTimeout = parseDurationOrZero(fc.OpenMeteo.Timeout, 5*time.Second)

	cfg.ReverseGeocodingURL = stringOr(fc.LocationIQ.ReverseURL, "https://us1.locationiq.com/v1/reverse")
	cfg.LocationIQAPIKey = strings.TrimSpace(os.Getenv("LOCATIONIQ_API_KEY"))
	if cfg.LocationIQAPIKey == "" {
		cfg.LocationIQAPIKey = sec.LocationIQAPIKey
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.CacheBackend = strings.ToLower(envOr("CACHE_BACKEND", fc.Cache.Backend, BackendRedis))
	cfg.CacheKeyPrefix = "weather:"
	if fc.Cache.KeyPrefix != nil {
		cfg.CacheKeyPrefix = *fc.Cache.KeyPrefix
	}
	cfg.CacheProbeTimeout = parseDuration(fc.Cache.ProbeTimeout, 2*time.Second)
	cfg.CacheOperationTimeout = parseDuration(fc.Cache.OperationTimeout, time.Second)
	cfg.ForecastTTL = parseDurationOrZero(fc.Cache.TTL.Forecast, time.Hour)
	cfg.HistoricalTTL = parseDurationOrZero(fc.Cache.TTL.Historical, 7*24*time.Hour)

	cfg.ReprobePolicy = strings.ToLower(strings.TrimSpace(fc.Cache.Reprobe.Policy))
	if cfg.ReprobePolicy == "" {
		cfg.ReprobePolicy = "interval"
	}
	cfg.ReprobeInterval = parseDuration(fc.Cache.Reprobe.Interval, time.Minute)
	cfg.ReprobeEveryN = fc.Cache.Reprobe.EveryN
	if cfg.ReprobeEveryN <= 0 {
		cfg.ReprobeEveryN = 100
	}
	cfg.ReprobeBackoffStart = parseDuration(fc.Cache.Reprobe.BackoffStart, time.Minute)
	cfg.ReprobeBackoffMax = parseDuration(fc.Cache.Reprobe.BackoffMax, 20*time.Minute)

	cfg.RedisAddr = envOr("REDIS_ADDR", fc.Cache.Redis.Addr, "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisPassword == "" {
		cfg.RedisPassword = sec.RedisPassword
	}
	cfg.RedisDB = fc.Cache.Redis.DB
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB must be an integer, got %q", v)
		}
		cfg.RedisDB = db
	}
	cfg.RedisPoolSize = fc.Cache.Redis.PoolSize
	if cfg.RedisPoolSize <= 0 {
		cfg.RedisPoolSize = 10
	}

	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.CircuitBreakerEnabled = fc.Reliability.CircuitBreaker.Enabled
	cfg.CircuitBreakerFailureThreshold = fc.Reliability.CircuitBreaker.FailureThreshold
	cfg.CircuitBreakerSuccessThreshold = fc.Reliability.CircuitBreaker.SuccessThreshold
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 30*time.Second)
	cfg.CoalesceEnabled = true
	if fc.Reliability.Coalesce.Enabled != nil {
		cfg.CoalesceEnabled = *fc.Reliability.Coalesce.Enabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Reliability.Coalesce.Timeout, 15*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.TrafficWindow = parseDuration(fc.Health.TrafficWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	cfg.WarmingEnabled = fc.Warming.Enabled
	cfg.WarmingSchedule = stringOr(fc.Warming.Schedule, "@every 30m")
	cfg.WarmingLocations = fc.Warming.Locations
	for i := range cfg.WarmingLocations {
		if cfg.WarmingLocations[i].Days <= 0 {
			cfg.WarmingLocations[i].Days = 7
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

// envOr returns the trimmed env var if set, else the file value, else def.
func envOr(key, fileVal, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return stringOr(fileVal, def)
}

func stringOr(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Auto-adjusts RequestTimeout so a full upstream call fits inside it.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("open_meteo.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case BackendRedis, BackendMemcached, BackendNone:
	default:
		return fmt.Errorf("cache.backend must be redis, memcached or none, got %q", cfg.CacheBackend)
	}
	if cfg.ForecastTTL <= 0 || cfg.HistoricalTTL <= 0 {
		return fmt.Errorf("cache.ttl values must be positive (forecast %v, historical %v)", cfg.ForecastTTL, cfg.HistoricalTTL)
	}
	switch cfg.ReprobePolicy {
	case "never", "interval", "every_n", "backoff":
	default:
		return fmt.Errorf("cache.reprobe.policy must be never, interval, every_n or backoff, got %q", cfg.ReprobePolicy)
	}
	if cfg.ReprobeBackoffMax < cfg.ReprobeBackoffStart {
		return fmt.Errorf("cache.reprobe.backoff_max (%v) must not be below backoff_start (%v)", cfg.ReprobeBackoffMax, cfg.ReprobeBackoffStart)
	}
	for i, loc := range cfg.WarmingLocations {
		if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
			return fmt.Errorf("warming.locations[%d]: coordinates out of range (%v, %v)", i, loc.Latitude, loc.Longitude)
		}
	}
	return nil
}
