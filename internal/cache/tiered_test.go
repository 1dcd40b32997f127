package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-cache/internal/degraded"
	"github.com/kjstillabower/weather-cache/internal/models"
)

const unavailableMsg = "remote cache marked unavailable, falling back to local store"

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// fakeStore is an in-memory Store whose reachability can be toggled.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	down    bool
	dataErr error
	pings   int
	closes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.down {
		return errConnRefused
	}
	return nil
}

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if f.down {
		return nil, false, errConnRefused
	}
	if f.dataErr != nil {
		return nil, false, f.dataErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.down {
		return errConnRefused
	}
	if f.dataErr != nil {
		return f.dataErr
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeStore) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const (
	lat  = 52.2297
	lon  = 21.0122
	days = 7
)

// TestTieredCache_PutGet_Remote verifies that a Put followed by a Get returns an
// equal value from the remote tier, with the category TTL applied.
func TestTieredCache_PutGet_Remote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeStore()
	c := NewTieredCache(ctx, remote, Options{})
	defer c.Close()

	if !c.RemoteAvailable() {
		t.Fatal("RemoteAvailable() = false, want true")
	}
	want := sampleWeather(models.CategoryHistorical)
	c.Put(ctx, models.CategoryHistorical, lat, lon, days, want)

	got, ok := c.Get(ctx, models.CategoryHistorical, lat, lon, days)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Location != want.Location || len(got.TimeSeries) != len(want.TimeSeries) {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
	if *got.TimeSeries[0].Temperature2m != 14.2 {
		t.Errorf("Get() temperature = %v, want 14.2", *got.TimeSeries[0].Temperature2m)
	}
	key := Fingerprint(models.CategoryHistorical, lat, lon, days)
	if ttl := remote.ttls[key]; ttl != 7*24*time.Hour {
		t.Errorf("remote ttl = %v, want 168h", ttl)
	}
	if c.local.Len() != 0 {
		t.Errorf("local.Len() = %d, want 0 while remote is available", c.local.Len())
	}
}

// TestTieredCache_Put_SetsDataType verifies that Put stamps the category on the record.
func TestTieredCache_Put_SetsDataType(t *testing.T) {
	ctx := context.Background()
	c := NewTieredCache(ctx, newFakeStore(), Options{})

	v := sampleWeather("")
	c.Put(ctx, models.CategoryForecast, lat, lon, 3, v)

	got, ok := c.Get(ctx, models.CategoryForecast, lat, lon, 3)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.DataType != models.CategoryForecast {
		t.Errorf("Get().DataType = %q, want forecast", got.DataType)
	}
}

// TestTieredCache_UnreachableFromConstruction verifies that Get and Put work via
// the local tier when the remote never answered.
func TestTieredCache_UnreachableFromConstruction(t *testing.T) {
	ctx := context.Background()
	remote := newFakeStore()
	remote.setDown(true)
	c := NewTieredCache(ctx, remote, Options{})

	if c.RemoteAvailable() {
		t.Fatal("RemoteAvailable() = true, want false")
	}
	c.Put(ctx, models.CategoryForecast, lat, lon, days, sampleWeather(models.CategoryForecast))
	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, days); !ok {
		t.Error("Get() ok = false, want true from local tier")
	}
	if c.RemoteAvailable() {
		t.Error("RemoteAvailable() after operations = true, want false")
	}
	if len(remote.data) != 0 {
		t.Errorf("remote holds %d entries, want 0", len(remote.data))
	}
}

// TestTieredCache_NilRemote verifies that a cache without remote store is local only.
func TestTieredCache_NilRemote(t *testing.T) {
	ctx := context.Background()
	c := NewTieredCache(ctx, nil, Options{Reprobe: degraded.NewEveryN(1)})

	c.Put(ctx, models.CategoryForecast, lat, lon, days, sampleWeather(models.CategoryForecast))
	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, days); !ok {
		t.Error("Get() ok = false, want true")
	}
	if c.RemoteAvailable() {
		t.Error("RemoteAvailable() = true, want false")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// TestTieredCache_MidRunFlip_NoMerge verifies that after a connectivity failure on
// a write, keys written only to the remote before the flip are misses.
func TestTieredCache_MidRunFlip_NoMerge(t *testing.T) {
	ctx := context.Background()
	remote := newFakeStore()
	c := NewTieredCache(ctx, remote, Options{})

	c.Put(ctx, models.CategoryForecast, lat, lon, 1, sampleWeather(models.CategoryForecast))
	remote.setDown(true)
	c.Put(ctx, models.CategoryForecast, lat, lon, 2, sampleWeather(models.CategoryForecast))

	if c.RemoteAvailable() {
		t.Fatal("RemoteAvailable() = true after failed write, want false")
	}
	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, 1); ok {
		t.Error("Get(days=1) ok = true, want miss for key written only to remote")
	}
	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, 2); !ok {
		t.Error("Get(days=2) ok = false, want hit for key written locally during the flip")
	}
}

// TestTieredCache_GetFlip_FallsThroughToLocal verifies that a Get that hits a
// connectivity failure flips the cache and serves from local in the same call.
func TestTieredCache_GetFlip_FallsThroughToLocal(t *testing.T) {
	ctx := context.Background()
	remote := newFakeStore()
	c := NewTieredCache(ctx, remote, Options{})
	key := Fingerprint(models.CategoryForecast, lat, lon, days)
	payload, _ := Encode(sampleWeather(models.CategoryForecast))
	c.local.Set(key, payload, time.Now().Add(time.Hour))

	remote.setDown(true)
	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, days); !ok {
		t.Error("Get() ok = false, want local hit after flip")
	}
	if c.RemoteAvailable() {
		t.Error("RemoteAvailable() = true, want false")
	}
}

// TestTieredCache_RemoteAuthoritative verifies that a remote miss is not read
// through to the local tier.
func TestTieredCache_RemoteAuthoritative(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	remote := newFakeStore()
	remote.setDown(true)
	c := NewTieredCache(ctx, remote, Options{
		Reprobe: degraded.NewInterval(time.Minute),
		Now:     clock.Now,
	})

	c.Put(ctx, models.CategoryForecast, lat, lon, days, sampleWeather(models.CategoryForecast))
	remote.setDown(false)
	clock.Advance(time.Minute)

	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, days); ok {
		t.Error("Get() ok = true, want remote miss after recovery")
	}
	if !c.RemoteAvailable() {
		t.Error("RemoteAvailable() = false, want true after reprobe")
	}
}

// TestTieredCache_DataErrorDoesNotFlip verifies that data-level remote errors are
// misses and dropped writes without leaving the remote tier.
func TestTieredCache_DataErrorDoesNotFlip(t *testing.T) {
	ctx := context.Background()
	remote := newFakeStore()
	c := NewTieredCache(ctx, remote, Options{})
	remote.dataErr = fmt.Errorf("%w: WRONGTYPE Operation against a key holding the wrong kind of value", ErrRemoteData)

	c.Put(ctx, models.CategoryForecast, lat, lon, days, sampleWeather(models.CategoryForecast))
	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, days); ok {
		t.Error("Get() ok = true, want miss on data error")
	}
	if !c.RemoteAvailable() {
		t.Error("RemoteAvailable() = false, want true after data error")
	}
	if c.local.Len() != 0 {
		t.Errorf("local.Len() = %d, want 0", c.local.Len())
	}
}

// TestTieredCache_CorruptPayload verifies that undecodable entries are misses.
func TestTieredCache_CorruptPayload(t *testing.T) {
	ctx := context.Background()
	c := NewTieredCache(ctx, nil, Options{})
	forecastKey := Fingerprint(models.CategoryForecast, lat, lon, days)
	historicalKey := Fingerprint(models.CategoryHistorical, lat, lon, days)
	exp := time.Now().Add(time.Hour)

	c.local.Set(forecastKey, []byte(`{"timeSeries":[{"time":`), exp)
	wrong, _ := Encode(sampleWeather(models.CategoryForecast))
	c.local.Set(historicalKey, wrong, exp)

	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, days); ok {
		t.Error("Get(truncated payload) ok = true, want miss")
	}
	if _, ok := c.Get(ctx, models.CategoryHistorical, lat, lon, days); ok {
		t.Error("Get(payload of another category) ok = true, want miss")
	}
}

// TestTieredCache_CorruptRemotePayload verifies that undecodable remote entries
// are misses and do not flip the cache.
func TestTieredCache_CorruptRemotePayload(t *testing.T) {
	ctx := context.Background()
	remote := newFakeStore()
	c := NewTieredCache(ctx, remote, Options{})
	remote.data[Fingerprint(models.CategoryForecast, lat, lon, days)] = []byte("\x00\x01garbage")

	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, days); ok {
		t.Error("Get() ok = true, want miss")
	}
	if !c.RemoteAvailable() {
		t.Error("RemoteAvailable() = false, want true")
	}
}

// TestTieredCache_LocalTTLByCategory verifies that local entries written at the
// same instant expire 1 hour (forecast) and 7 days (historical) later.
func TestTieredCache_LocalTTLByCategory(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	start := clock.Now()
	c := NewTieredCache(ctx, nil, Options{Now: clock.Now})

	c.Put(ctx, models.CategoryForecast, lat, lon, days, sampleWeather(models.CategoryForecast))
	c.Put(ctx, models.CategoryHistorical, lat, lon, days, sampleWeather(models.CategoryHistorical))

	fExp, _ := c.local.ExpiresAt(Fingerprint(models.CategoryForecast, lat, lon, days))
	hExp, _ := c.local.ExpiresAt(Fingerprint(models.CategoryHistorical, lat, lon, days))
	if !fExp.Equal(start.Add(time.Hour)) {
		t.Errorf("forecast expires at %v, want %v", fExp, start.Add(time.Hour))
	}
	if !hExp.Equal(start.Add(7 * 24 * time.Hour)) {
		t.Errorf("historical expires at %v, want %v", hExp, start.Add(7*24*time.Hour))
	}

	clock.Advance(2 * time.Hour)
	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, days); ok {
		t.Error("Get(forecast) after 2h ok = true, want miss")
	}
	if _, ok := c.Get(ctx, models.CategoryHistorical, lat, lon, days); !ok {
		t.Error("Get(historical) after 2h ok = false, want hit")
	}
	if n := c.local.Len(); n != 2 {
		t.Errorf("local.Len() = %d, want 2 (expired entry kept until rewrite)", n)
	}
}

// TestTieredCache_UnknownCategory verifies that unknown categories are ignored.
func TestTieredCache_UnknownCategory(t *testing.T) {
	ctx := context.Background()
	remote := newFakeStore()
	c := NewTieredCache(ctx, remote, Options{})

	c.Put(ctx, "daily", lat, lon, days, sampleWeather(models.CategoryForecast))
	if _, ok := c.Get(ctx, "daily", lat, lon, days); ok {
		t.Error("Get(daily) ok = true, want false")
	}
	if len(remote.data) != 0 {
		t.Errorf("remote holds %d entries, want 0", len(remote.data))
	}
}

// TestTieredCache_Reprobe_Never verifies that the never policy keeps the cache
// local even after the remote comes back.
func TestTieredCache_Reprobe_Never(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	remote := newFakeStore()
	remote.setDown(true)
	c := NewTieredCache(ctx, remote, Options{Reprobe: degraded.Never{}, Now: clock.Now})

	remote.setDown(false)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Hour)
		c.Get(ctx, models.CategoryForecast, lat, lon, days)
	}
	if c.RemoteAvailable() {
		t.Error("RemoteAvailable() = true, want false under never policy")
	}
	if n := remote.pingCount(); n != 1 {
		t.Errorf("pings = %d, want 1 (construction only)", n)
	}
}

// TestTieredCache_Reprobe_Interval verifies that the interval policy recovers
// only once the interval has elapsed and the remote answers.
func TestTieredCache_Reprobe_Interval(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	remote := newFakeStore()
	remote.setDown(true)
	c := NewTieredCache(ctx, remote, Options{Reprobe: degraded.NewInterval(time.Minute), Now: clock.Now})

	clock.Advance(30 * time.Second)
	c.Get(ctx, models.CategoryForecast, lat, lon, days)
	if n := remote.pingCount(); n != 1 {
		t.Errorf("pings before interval = %d, want 1", n)
	}

	clock.Advance(30 * time.Second)
	c.Get(ctx, models.CategoryForecast, lat, lon, days)
	if c.RemoteAvailable() {
		t.Error("RemoteAvailable() = true while remote still down")
	}
	if n := remote.pingCount(); n != 2 {
		t.Errorf("pings after interval = %d, want 2", n)
	}

	remote.setDown(false)
	clock.Advance(59 * time.Second)
	c.Get(ctx, models.CategoryForecast, lat, lon, days)
	if c.RemoteAvailable() {
		t.Error("RemoteAvailable() = true before next interval")
	}
	clock.Advance(time.Second)
	c.Put(ctx, models.CategoryForecast, lat, lon, days, sampleWeather(models.CategoryForecast))
	if !c.RemoteAvailable() {
		t.Fatal("RemoteAvailable() = false, want true after interval and recovery")
	}
	if len(remote.data) != 1 {
		t.Errorf("remote holds %d entries, want 1 (write after recovery goes remote)", len(remote.data))
	}
}

// TestTieredCache_Reprobe_EveryN verifies that the every_n policy probes on the
// nth degraded operation.
func TestTieredCache_Reprobe_EveryN(t *testing.T) {
	ctx := context.Background()
	remote := newFakeStore()
	remote.setDown(true)
	c := NewTieredCache(ctx, remote, Options{Reprobe: degraded.NewEveryN(3)})
	remote.setDown(false)

	for i := 1; i <= 2; i++ {
		c.Get(ctx, models.CategoryForecast, lat, lon, days)
		if c.RemoteAvailable() {
			t.Fatalf("RemoteAvailable() after op %d = true, want false", i)
		}
	}
	c.Get(ctx, models.CategoryForecast, lat, lon, days)
	if !c.RemoteAvailable() {
		t.Error("RemoteAvailable() after op 3 = false, want true")
	}
	if n := remote.pingCount(); n != 2 {
		t.Errorf("pings = %d, want 2", n)
	}
}

// TestTieredCache_Reprobe_Backoff verifies that the backoff policy spaces probes
// on the Fibonacci schedule.
func TestTieredCache_Reprobe_Backoff(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	remote := newFakeStore()
	remote.setDown(true)
	c := NewTieredCache(ctx, remote, Options{
		Reprobe: degraded.NewBackoff(time.Minute, 10*time.Minute),
		Now:     clock.Now,
	})

	// Probes due 1m, then 2m, then 3m after the previous one.
	steps := []struct {
		advance   time.Duration
		wantPings int
	}{
		{59 * time.Second, 1},
		{time.Second, 2},
		{time.Minute, 2},
		{time.Minute, 3},
		{2 * time.Minute, 3},
		{time.Minute, 4},
	}
	for i, s := range steps {
		clock.Advance(s.advance)
		c.Get(ctx, models.CategoryForecast, lat, lon, days)
		if n := remote.pingCount(); n != s.wantPings {
			t.Errorf("step %d: pings = %d, want %d", i, n, s.wantPings)
		}
	}
}

// TestTieredCache_TransitionLoggedOnce verifies that concurrent failures log the
// unavailable transition exactly once.
func TestTieredCache_TransitionLoggedOnce(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	remote := newFakeStore()
	c := NewTieredCache(ctx, remote, Options{Logger: zap.New(core)})
	remote.setDown(true)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Put(ctx, models.CategoryForecast, lat, lon, i, sampleWeather(models.CategoryForecast))
		}(i)
	}
	wg.Wait()

	if n := logs.FilterMessage(unavailableMsg).Len(); n != 1 {
		t.Errorf("unavailable transition logged %d times, want 1", n)
	}
	if c.RemoteAvailable() {
		t.Error("RemoteAvailable() = true, want false")
	}
	if n := c.local.Len(); n != 20 {
		t.Errorf("local.Len() = %d, want 20", n)
	}
}

// TestTieredCache_CallerCancellationIgnored verifies that a cancelled caller
// context does not turn into a connectivity failure.
func TestTieredCache_CallerCancellationIgnored(t *testing.T) {
	remote := newFakeStore()
	c := NewTieredCache(context.Background(), remote, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Put(ctx, models.CategoryForecast, lat, lon, days, sampleWeather(models.CategoryForecast))
	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, days); !ok {
		t.Error("Get() with cancelled context ok = false, want true")
	}
	if !c.RemoteAvailable() {
		t.Error("RemoteAvailable() = false, want true")
	}
}

// TestTieredCache_Close verifies that Close is idempotent and later operations use
// the local tier.
func TestTieredCache_Close(t *testing.T) {
	ctx := context.Background()
	remote := newFakeStore()
	c := NewTieredCache(ctx, remote, Options{Reprobe: degraded.NewEveryN(1)})

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if remote.closes != 1 {
		t.Errorf("remote closed %d times, want 1", remote.closes)
	}
	c.Put(ctx, models.CategoryForecast, lat, lon, days, sampleWeather(models.CategoryForecast))
	if _, ok := c.Get(ctx, models.CategoryForecast, lat, lon, days); !ok {
		t.Error("Get() after Close ok = false, want local hit")
	}
	if c.RemoteAvailable() {
		t.Error("RemoteAvailable() after Close = true, want false")
	}
}
