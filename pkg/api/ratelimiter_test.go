package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("10.0.0.1")
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, retryAfter := rl.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)

	ok, _ = rl.Allow("10.0.0.2")
	assert.True(t, ok)
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Stop()

	now := time.Date(2024, 11, 5, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _ := rl.Allow("ip")
	assert.True(t, ok)
	ok, _ = rl.Allow("ip")
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, _ = rl.Allow("ip")
	assert.True(t, ok)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Stop()

	now := time.Date(2024, 11, 5, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.Allow("ip")

	now = now.Add(2 * time.Minute)
	rl.cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.requests)
}

func TestRateLimiter_StopIdempotent(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Stop()
	rl.Stop()
}
