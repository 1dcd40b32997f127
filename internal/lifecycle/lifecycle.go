// Package lifecycle holds the process drain state shared by the signal handler and /health.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// shutdownAt is the UnixNano time draining began, or zero while serving.
var shutdownAt atomic.Int64

// SetShuttingDown marks the process as draining (true) or serving (false). Setting it
// again while already draining keeps the original start time.
func SetShuttingDown(v bool) {
	if !v {
		shutdownAt.Store(0)
		return
	}
	shutdownAt.CompareAndSwap(0, time.Now().UnixNano())
}

// IsShuttingDown reports whether the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shutdownAt.Load() != 0
}

// ShuttingDownSince returns when draining began. ok is false while serving.
func ShuttingDownSince() (since time.Time, ok bool) {
	n := shutdownAt.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
