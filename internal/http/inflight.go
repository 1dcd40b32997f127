package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kjstillabower/weather-cache/internal/observability"
)

// InFlightTracker counts requests being served and mirrors the count into an optional
// gauge. The zero value is usable.
type InFlightTracker struct {
	count atomic.Int64
	gauge prometheus.Gauge
}

// Begin marks a request as started. The returned func marks it finished and must be
// called exactly once.
func (t *InFlightTracker) Begin() (end func()) {
	t.Increment()
	return t.Decrement
}

func (t *InFlightTracker) Increment() {
	t.count.Add(1)
	if t.gauge != nil {
		t.gauge.Inc()
	}
}

func (t *InFlightTracker) Decrement() {
	t.count.Add(-1)
	if t.gauge != nil {
		t.gauge.Dec()
	}
}

func (t *InFlightTracker) Count() int64 {
	return t.count.Load()
}

// WaitForZero polls every checkInterval until no request is in flight or ctx is done.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	if t.Count() <= 0 {
		return nil
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if t.Count() <= 0 {
				return nil
			}
		}
	}
}

// globalInFlightTracker feeds httpRequestsInFlight and the graceful-shutdown drain.
var globalInFlightTracker = &InFlightTracker{gauge: observability.HTTPRequestsInFlight}

// InFlightCount returns the number of requests currently being served.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}
