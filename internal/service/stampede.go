package service

import (
	"sync"
)

// stampedeTracker counts concurrent cache misses per fingerprint. More than one
// active miss on the same key means a stampede toward the upstream.
type stampedeTracker struct {
	mu           sync.Mutex
	activeMisses map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{
		activeMisses: make(map[string]int),
	}
}

// begin records a miss on key and returns the number of misses now active on it,
// including this one. Call done once the miss is resolved.
func (st *stampedeTracker) begin(key string) (active int, done func()) {
	st.mu.Lock()
	st.activeMisses[key]++
	active = st.activeMisses[key]
	st.mu.Unlock()

	var once sync.Once
	return active, func() {
		once.Do(func() { st.end(key) })
	}
}

func (st *stampedeTracker) end(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.activeMisses[key] <= 1 {
		delete(st.activeMisses, key)
		return
	}
	st.activeMisses[key]--
}

// active returns the current miss count for key.
func (st *stampedeTracker) active(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeMisses[key]
}
