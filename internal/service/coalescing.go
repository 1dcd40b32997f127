package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-cache/internal/models"
)

// inFlightFetch is one upstream fetch that several callers may wait for.
type inFlightFetch struct {
	done   chan struct{}
	result models.WeatherData
	err    error
}

// requestCoalescer collapses concurrent misses on the same fingerprint into one upstream fetch.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightFetch),
		timeout:  timeout,
	}
}

// Do runs fn for key unless a fetch for key is already in flight, in which case it waits
// for that fetch. shared reports whether the result came from another caller's fetch.
//
// The fetch runs detached from the first caller's cancellation, bounded by the coalescer
// timeout, so a departing caller does not fail the others. Each caller stops waiting when
// its own ctx is done or the timeout passes.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func(ctx context.Context) (models.WeatherData, error)) (result models.WeatherData, shared bool, err error) {
	rc.mu.Lock()
	f, shared := rc.inFlight[key]
	if !shared {
		f = &inFlightFetch{done: make(chan struct{})}
		rc.inFlight[key] = f
		go rc.run(ctx, key, f, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-f.done:
		return f.result, shared, f.err
	case <-waitCtx.Done():
		return models.WeatherData{}, shared, waitCtx.Err()
	}
}

func (rc *requestCoalescer) run(ctx context.Context, key string, f *inFlightFetch, fn func(ctx context.Context) (models.WeatherData, error)) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
	defer cancel()

	f.result, f.err = fn(fetchCtx)

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()
	close(f.done)
}

// inFlightCount returns the number of keys with a fetch in progress.
func (rc *requestCoalescer) inFlightCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
