package cache

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// DefaultKeyPrefix namespaces fingerprints in a shared remote store.
const DefaultKeyPrefix = "weather:"

// ErrRemoteData marks a remote failure that is about the data or the command, not
// about reachability (e.g. a server reply error). It never flips the cache into
// local-fallback mode.
var ErrRemoteData = errors.New("remote cache data error")

// Store is the remote key-value tier: PING, SET key value EX seconds, GET key.
// Get returns (nil, false, nil) on a miss. Errors that do not wrap ErrRemoteData are
// treated as connectivity failures by TieredCache.
type Store interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// errorLabel returns a stable label for cache error metrics (timeout, connection, data, unknown).
func errorLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, ErrRemoteData) {
		return "data"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "connection"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "closed") {
		return "connection"
	}
	return "unknown"
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
