package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache/internal/app"
	"github.com/kjstillabower/weather-cache/internal/cache"
	"github.com/kjstillabower/weather-cache/internal/config"
	httphandler "github.com/kjstillabower/weather-cache/internal/http"
	"github.com/kjstillabower/weather-cache/internal/lifecycle"
	"github.com/kjstillabower/weather-cache/internal/observability"
)

const inFlightCheckInterval = 100 * time.Millisecond

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherService, tieredCache, err := app.NewService(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("wiring", zap.Error(err))
	}

	var warmCron *cron.Cron
	if cfg.WarmingEnabled && len(cfg.WarmingLocations) > 0 {
		warmer := cache.NewCacheWarmer(weatherService, logger.Named("warmer"))
		targets := app.WarmTargets(cfg.WarmingLocations)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, targets); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmingSchedule != "" {
			warmCron, err = warmer.Schedule(cfg.WarmingSchedule, targets)
			if err != nil {
				logger.Fatal("warming schedule", zap.Error(err))
			}
			logger.Info("cache warming scheduled", zap.String("schedule", cfg.WarmingSchedule), zap.Int("locations", len(targets)))
		}
	}

	limiter := newLimiter(cfg)
	healthConfig := &httphandler.HealthConfig{
		TrafficWindow:    cfg.TrafficWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
		StartTime:        time.Now(),
	}
	handler := httphandler.NewHandler(weatherService, healthConfig, logger, limiter)
	observability.RegisterRateLimitGauges(cfg.TrafficWindow)

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
	}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	})

	srv := newServer(cfg, router)

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	if err := httphandler.WaitForInFlight(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if warmCron != nil {
		<-warmCron.Stop().Done()
	}
	if err := tieredCache.Close(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(cfg *config.Config) *rate.Limiter {
	if cfg.RateLimitRPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
}

// newServer leaves WriteTimeout above the request timeout so a 504 body can still be written.
func newServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
