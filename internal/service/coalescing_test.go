package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-cache/internal/models"
)

func TestRequestCoalescer_Do_ConcurrentRequests(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (models.WeatherData, error) {
		calls.Add(1)
		<-release
		return models.WeatherData{Location: models.Location{Name: "Warszawa"}}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]models.WeatherData, n)
	shared := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], shared[idx], errs[idx] = coalescer.Do(context.Background(), "forecast:52.2297:21.0122:7", fn)
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// Give the remaining goroutines time to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	sharedCount := 0
	for i := range results {
		if errs[i] != nil {
			t.Errorf("request %d error = %v, want nil", i, errs[i])
		}
		if results[i].Location.Name != "Warszawa" {
			t.Errorf("request %d location = %q, want Warszawa", i, results[i].Location.Name)
		}
		if shared[i] {
			sharedCount++
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn call count = %d, want 1", got)
	}
	if sharedCount != n-1 {
		t.Errorf("shared results = %d, want %d", sharedCount, n-1)
	}
	if got := coalescer.inFlightCount(); got != 0 {
		t.Errorf("inFlightCount() = %d, want 0", got)
	}
}

func TestRequestCoalescer_Do_ErrorPropagation(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	wantErr := errors.New("api failure")

	_, _, err := coalescer.Do(context.Background(), "k", func(ctx context.Context) (models.WeatherData, error) {
		return models.WeatherData{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Do() error = %v, want %v", err, wantErr)
	}
}

// TestRequestCoalescer_Do_Timeout verifies that callers stop waiting after the coalescer timeout.
func TestRequestCoalescer_Do_Timeout(t *testing.T) {
	coalescer := newRequestCoalescer(20 * time.Millisecond)

	_, _, err := coalescer.Do(context.Background(), "k", func(ctx context.Context) (models.WeatherData, error) {
		<-ctx.Done()
		return models.WeatherData{}, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want context.DeadlineExceeded", err)
	}
}

// TestRequestCoalescer_Do_LeaderCancelDoesNotFailFollowers verifies that the fetch survives
// the first caller going away.
func TestRequestCoalescer_Do_LeaderCancelDoesNotFailFollowers(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context) (models.WeatherData, error) {
		close(started)
		select {
		case <-release:
			return models.WeatherData{Timezone: "Europe/Warsaw"}, nil
		case <-ctx.Done():
			return models.WeatherData{}, ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := coalescer.Do(leaderCtx, "k", fn)
		leaderErr <- err
	}()
	<-started

	followerDone := make(chan error, 1)
	var got models.WeatherData
	go func() {
		var err error
		got, _, err = coalescer.Do(context.Background(), "k", fn)
		followerDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader Do() error = %v, want context.Canceled", err)
	}
	close(release)
	if err := <-followerDone; err != nil {
		t.Fatalf("follower Do() error = %v, want nil", err)
	}
	if got.Timezone != "Europe/Warsaw" {
		t.Errorf("follower result timezone = %q, want Europe/Warsaw", got.Timezone)
	}
}

func TestRequestCoalescer_Do_DifferentKeys(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	var calls atomic.Int32
	fn := func(ctx context.Context) (models.WeatherData, error) {
		calls.Add(1)
		return models.WeatherData{}, nil
	}

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _, _ = coalescer.Do(context.Background(), key, fn)
		}(key)
	}
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn call count = %d, want 3", got)
	}
}
