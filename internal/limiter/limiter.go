// Package limiter caps concurrent and sustained forwarded calls per port.
package limiter

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/cr0hn/rpc-gateway/internal/logger"
)

var (
	// ErrInFlightLimit is returned when a port already has the maximum number
	// of calls in flight.
	ErrInFlightLimit = errors.New("in-flight limit reached for port")
	// ErrRateLimited is returned when a port's token bucket is empty.
	ErrRateLimited = errors.New("rate limit reached for port")
)

type portLimits struct {
	inFlight atomic.Int64
	bucket   atomic.Pointer[rate.Limiter]
}

// Limiter tracks in-flight calls and admission rate per port.
type Limiter struct {
	maxInFlight atomic.Int64
	rps         float64
	burst       int
	total       atomic.Int64
	perPort     map[uint16]*portLimits
	mu          sync.RWMutex
}

// New creates a new Limiter. rps <= 0 disables rate limiting.
func New(maxInFlight int, rps float64, burst int) *Limiter {
	l := &Limiter{
		rps:     rps,
		burst:   burst,
		perPort: make(map[uint16]*portLimits),
	}
	l.maxInFlight.Store(int64(maxInFlight))
	return l
}

func bucketLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// UpdateLimits updates the limits at runtime. Rate buckets are replaced and
// start full.
func (l *Limiter) UpdateLimits(maxInFlight int, rps float64, burst int) {
	l.maxInFlight.Store(int64(maxInFlight))

	l.mu.Lock()
	l.rps = rps
	l.burst = burst
	for _, pl := range l.perPort {
		pl.bucket.Store(rate.NewLimiter(bucketLimit(rps), burst))
	}
	l.mu.Unlock()

	logger.Info("limits_updated", "max_in_flight_per_port", maxInFlight, "rate_limit_rps", rps, "rate_limit_burst", burst)
}

func (l *Limiter) limitsFor(port uint16) *portLimits {
	l.mu.RLock()
	pl, ok := l.perPort[port]
	l.mu.RUnlock()
	if ok {
		return pl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if pl, ok := l.perPort[port]; ok {
		return pl
	}
	pl = &portLimits{}
	pl.bucket.Store(rate.NewLimiter(bucketLimit(l.rps), l.burst))
	l.perPort[port] = pl
	return pl
}

// Acquire attempts to admit one call on port.
// Returns nil if successful, error if a limit is reached.
// Uses a CAS loop so concurrent callers never overshoot the in-flight cap.
func (l *Limiter) Acquire(port uint16) error {
	pl := l.limitsFor(port)
	limit := l.maxInFlight.Load()

	for {
		current := pl.inFlight.Load()
		if current >= limit {
			return ErrInFlightLimit
		}
		if pl.inFlight.CompareAndSwap(current, current+1) {
			break
		}
	}

	if !pl.bucket.Load().Allow() {
		// Rollback the in-flight slot since the call is not admitted
		pl.inFlight.Add(-1)
		return ErrRateLimited
	}

	l.total.Add(1)
	return nil
}

// Release releases the in-flight slot of an admitted call on port.
func (l *Limiter) Release(port uint16) {
	l.mu.RLock()
	pl, ok := l.perPort[port]
	l.mu.RUnlock()

	if ok {
		pl.inFlight.Add(-1)
	}
	l.total.Add(-1)
}

// Forget drops the counters of a port that is no longer served.
func (l *Limiter) Forget(port uint16) {
	l.mu.Lock()
	delete(l.perPort, port)
	l.mu.Unlock()
}

// InFlight returns the current in-flight count for a port.
func (l *Limiter) InFlight(port uint16) int64 {
	l.mu.RLock()
	pl, ok := l.perPort[port]
	l.mu.RUnlock()

	if !ok {
		return 0
	}
	return pl.inFlight.Load()
}

// MaxInFlight returns the current per-port in-flight cap.
func (l *Limiter) MaxInFlight() int {
	return int(l.maxInFlight.Load())
}

// Total returns the in-flight count across all ports.
func (l *Limiter) Total() int64 {
	return l.total.Load()
}

// Stats returns the in-flight count per port.
func (l *Limiter) Stats() map[uint16]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[uint16]int64, len(l.perPort))
	for port, pl := range l.perPort {
		stats[port] = pl.inFlight.Load()
	}
	return stats
}
