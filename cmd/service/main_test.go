package main

import (
	"net/http"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache/internal/config"
)

func TestNewLimiter(t *testing.T) {
	if l := newLimiter(&config.Config{}); l != nil {
		t.Errorf("newLimiter(rps=0) = %v, want nil", l)
	}
	l := newLimiter(&config.Config{RateLimitRPS: 5, RateLimitBurst: 10})
	if l == nil {
		t.Fatal("newLimiter(rps=5) = nil")
	}
	if l.Limit() != rate.Limit(5) || l.Burst() != 10 {
		t.Errorf("limiter = %v/%d, want 5/10", l.Limit(), l.Burst())
	}
}

// TestNewServer verifies the write timeout leaves room past the request timeout.
func TestNewServer(t *testing.T) {
	cfg := &config.Config{ServerPort: "9090", RequestTimeout: 3 * time.Second}
	srv := newServer(cfg, http.NotFoundHandler())
	if srv.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", srv.Addr)
	}
	if srv.WriteTimeout <= cfg.RequestTimeout {
		t.Errorf("WriteTimeout = %v, want > %v", srv.WriteTimeout, cfg.RequestTimeout)
	}
	if srv.ReadHeaderTimeout == 0 {
		t.Error("ReadHeaderTimeout unset")
	}
}
