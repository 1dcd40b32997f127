// Package traffic counts request outcomes over a sliding window. /health derives the
// upstream error rate from it and the rate-limit gauges read the request and denial counts.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one handled request.
type Outcome int

const (
	// Success is a request answered without an upstream failure.
	Success Outcome = iota
	// Error is a request that failed because of the upstream.
	Error
	// Denied is a request rejected by the rate limiter (429).
	Denied

	numOutcomes
)

const (
	bucketWidth = time.Second
	// MaxWindow is the longest window a query can cover. Older outcomes are overwritten.
	MaxWindow  = 5 * time.Minute
	numBuckets = int(MaxWindow / bucketWidth)
)

var defaultTracker Tracker

// RecordSuccess records a successful request outcome.
func RecordSuccess() { defaultTracker.Record(Success, 1) }

// RecordError records an upstream failure.
func RecordError() { defaultTracker.Record(Error, 1) }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.Record(Denied, 1) }

// RecordSuccessN records n successful outcomes. For synthetic load injection.
func RecordSuccessN(n int) { defaultTracker.Record(Success, n) }

// RecordErrorN records n error outcomes. For synthetic error injection.
func RecordErrorN(n int) { defaultTracker.Record(Error, n) }

// RequestCount returns the number of outcomes (success + error + denied) within window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns the number of denials within window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (errors, total) within window, where total = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears all recorded outcomes. For tests and the /test/reset action.
func Reset() { defaultTracker.Reset() }

type bucket struct {
	second int64
	counts [numOutcomes]int
}

// Tracker keeps per-second outcome counts in a fixed ring covering MaxWindow, so memory
// does not grow with traffic. Windows are rounded to whole seconds. The zero value is
// ready to use and reads the wall clock.
type Tracker struct {
	mu      sync.Mutex
	buckets [numBuckets]bucket
	now     func() time.Time
}

// NewTracker returns a Tracker reading time from now.
func NewTracker(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

func (t *Tracker) clock() int64 {
	if t.now != nil {
		return t.now().Unix()
	}
	return time.Now().Unix()
}

// Record adds n outcomes of kind o at the current second.
func (t *Tracker) Record(o Outcome, n int) {
	if n <= 0 || o < 0 || o >= numOutcomes {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := t.clock()
	b := &t.buckets[index(sec)]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	b.counts[o] += n
}

// RequestCount returns the number of outcomes of every kind within window.
func (t *Tracker) RequestCount(window time.Duration) int {
	c := t.counts(window)
	return c[Success] + c[Error] + c[Denied]
}

// DenialCount returns the number of rate-limit denials within window.
func (t *Tracker) DenialCount(window time.Duration) int {
	return t.counts(window)[Denied]
}

// ErrorRate returns (errors, total) within window. Denials are excluded from total.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	c := t.counts(window)
	return c[Error], c[Error] + c[Success]
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = [numBuckets]bucket{}
}

// counts sums the buckets of the last window seconds, including the current one.
func (t *Tracker) counts(window time.Duration) [numOutcomes]int {
	if window > MaxWindow {
		window = MaxWindow
	}
	span := int64(window / bucketWidth)
	if span < 1 {
		span = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	oldest := now - span + 1
	var sum [numOutcomes]int
	for i := range t.buckets {
		b := &t.buckets[i]
		if b.second < oldest || b.second > now {
			continue
		}
		for o := range sum {
			sum[o] += b.counts[o]
		}
	}
	return sum
}

func index(sec int64) int {
	i := int(sec % int64(numBuckets))
	if i < 0 {
		i += numBuckets
	}
	return i
}
