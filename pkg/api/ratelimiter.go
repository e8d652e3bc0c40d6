package api

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter applies a per-client sliding one-minute window.
type RateLimiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	maxRequests int
	now         func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewRateLimiter creates a limiter allowing maxRequestsPerMinute per client
// and starts its cleanup loop.
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		requests:    make(map[string][]time.Time),
		maxRequests: maxRequestsPerMinute,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		done:        make(chan struct{}),
	}
	go rl.runCleanup(5 * time.Minute)
	return rl
}

// Allow records a request from client and reports whether it is within the
// limit. When it is not, retryAfter is the wait until the oldest request in
// the window expires.
func (rl *RateLimiter) Allow(client string) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := prune(rl.requests[client], now)

	if len(recent) >= rl.maxRequests {
		rl.requests[client] = recent
		return false, recent[0].Add(rateWindow).Sub(now)
	}

	rl.requests[client] = append(recent, now)
	return true, 0
}

func prune(times []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= rateWindow {
		i++
	}
	return times[i:]
}

func (rl *RateLimiter) runCleanup(interval time.Duration) {
	defer close(rl.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for client, times := range rl.requests {
		if recent := prune(times, now); len(recent) == 0 {
			delete(rl.requests, client)
		} else {
			rl.requests[client] = recent
		}
	}
}

// Stop stops the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
	<-rl.done
}
