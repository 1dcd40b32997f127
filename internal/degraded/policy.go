// Package degraded decides when a cache that fell back to its local tier should try
// the remote tier again. Policies are consulted inline by cache operations; none of
// them start goroutines.
package degraded

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Policy names accepted by New and the cache.reprobe.policy config key.
const (
	PolicyNever    = "never"
	PolicyInterval = "interval"
	PolicyEveryN   = "every_n"
	PolicyBackoff  = "backoff"
)

// Policy is a re-probe schedule. Implementations are safe for concurrent use.
type Policy interface {
	// Degraded resets the schedule; called when the remote tier is marked unavailable at now.
	Degraded(now time.Time)
	// Claim reports whether the caller should probe the remote tier now. A true result
	// consumes the slot, so concurrent operations do not all probe at once.
	Claim(now time.Time) bool
	// Name returns the policy name for logs and metrics.
	Name() string
}

// Options holds the parameters for New. Unused fields are ignored by policies that
// don't need them.
type Options struct {
	Interval     time.Duration
	EveryN       int
	BackoffStart time.Duration
	BackoffMax   time.Duration
}

// New builds the named policy. An empty name means PolicyNever.
func New(name string, opts Options) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyNever:
		return Never{}, nil
	case PolicyInterval:
		if opts.Interval <= 0 {
			return nil, fmt.Errorf("reprobe interval must be positive, got %v", opts.Interval)
		}
		return NewInterval(opts.Interval), nil
	case PolicyEveryN:
		if opts.EveryN <= 0 {
			return nil, fmt.Errorf("reprobe every_n must be positive, got %d", opts.EveryN)
		}
		return NewEveryN(opts.EveryN), nil
	case PolicyBackoff:
		if opts.BackoffStart <= 0 || opts.BackoffMax < opts.BackoffStart {
			return nil, fmt.Errorf("reprobe backoff needs 0 < start <= max, got %v..%v", opts.BackoffStart, opts.BackoffMax)
		}
		return NewBackoff(opts.BackoffStart, opts.BackoffMax), nil
	default:
		return nil, fmt.Errorf("unknown reprobe policy %q", name)
	}
}

// Status describes a policy for /health. NextDelay is set only by policies that
// space probes on a schedule (Backoff).
type Status struct {
	Policy    string
	NextDelay time.Duration
}

// Describe returns the status of p.
func Describe(p Policy) Status {
	st := Status{Policy: p.Name()}
	if b, ok := p.(*Backoff); ok {
		st.NextDelay = b.NextDelay()
	}
	return st
}

// Never keeps the cache on its local tier for the rest of the process.
type Never struct{}

func (Never) Degraded(time.Time)   {}
func (Never) Claim(time.Time) bool { return false }
func (Never) Name() string         { return PolicyNever }

// Interval allows one probe each time the interval has elapsed since the cache
// degraded or since the previous probe.
type Interval struct {
	mu    sync.Mutex
	every time.Duration
	next  time.Time
}

// NewInterval returns an Interval policy.
func NewInterval(every time.Duration) *Interval {
	return &Interval{every: every}
}

func (p *Interval) Degraded(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = now.Add(p.every)
}

func (p *Interval) Claim(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Before(p.next) {
		return false
	}
	p.next = now.Add(p.every)
	return true
}

func (p *Interval) Name() string { return PolicyInterval }

// EveryN allows a probe on every nth operation after the cache degraded.
type EveryN struct {
	mu    sync.Mutex
	n     int
	count int
}

// NewEveryN returns an EveryN policy.
func NewEveryN(n int) *EveryN {
	return &EveryN{n: n}
}

func (p *EveryN) Degraded(time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count = 0
}

func (p *EveryN) Claim(time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	if p.count < p.n {
		return false
	}
	p.count = 0
	return true
}

func (p *EveryN) Name() string { return PolicyEveryN }

// Backoff spaces probes on a Fibonacci schedule (1, 2, 3, 5, 8, 13... times start),
// then keeps probing at the largest delay that does not exceed max.
type Backoff struct {
	mu     sync.Mutex
	delays []time.Duration
	idx    int
	next   time.Time
}

// NewBackoff returns a Backoff policy.
func NewBackoff(start, max time.Duration) *Backoff {
	return &Backoff{delays: fibDelays(start, max)}
}

func (p *Backoff) Degraded(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idx = 0
	p.next = now.Add(p.delayLocked())
}

func (p *Backoff) Claim(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Before(p.next) {
		return false
	}
	if p.idx < len(p.delays)-1 {
		p.idx++
	}
	p.next = now.Add(p.delayLocked())
	return true
}

func (p *Backoff) Name() string { return PolicyBackoff }

// NextDelay returns the current step of the schedule: the wait between the latest
// claim (or degradation) and the next probe.
func (p *Backoff) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delayLocked()
}

func (p *Backoff) delayLocked() time.Duration {
	if len(p.delays) == 0 {
		return 0
	}
	return p.delays[p.idx]
}

func fibDelays(initial, max time.Duration) []time.Duration {
	const (
		f0 = 1
		f1 = 2
	)
	a, b := int64(f0), int64(f1)
	var out []time.Duration
	for {
		d := time.Duration(a) * initial
		if d > max || d <= 0 {
			break
		}
		out = append(out, d)
		a, b = b, a+b
	}
	return out
}
