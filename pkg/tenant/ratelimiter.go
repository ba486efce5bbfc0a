package tenant

import (
	"sync"
	"time"

	"github.com/castingclouds/agentengine/pkg/errs"
)

// bucket is one (timestamp, count) pair: the moment the current interval
// started and how many units have been consumed since.
type bucket struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// checkAndIncrement resets the bucket if interval has elapsed since start,
// then fails if count+delta would exceed limit, else increments and succeeds.
func (b *bucket) checkAndIncrement(now time.Time, interval time.Duration, limit, delta int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Sub(b.start) >= interval {
		b.start = now
		b.count = 0
	}
	if b.count+delta > limit {
		return false
	}
	b.count += delta
	return true
}

// RateLimiter holds the three independent time-bucketed counters for one
// tenant (§3's RateLimiterState): minute-requests, hour-executions,
// day-tokens. Each bucket resets when its own interval has elapsed since the
// timestamp stored in it, independent of the others.
type RateLimiter struct {
	limits RateLimits

	minuteRequests  bucket
	hourExecutions  bucket
	dayTokens       bucket
}

// NewRateLimiter builds a limiter with all buckets starting now.
func NewRateLimiter(limits RateLimits) *RateLimiter {
	now := time.Now()
	rl := &RateLimiter{limits: limits}
	rl.minuteRequests.start = now
	rl.hourExecutions.start = now
	rl.dayTokens.start = now
	return rl
}

// CheckRequest enforces requests/minute.
func (r *RateLimiter) CheckRequest() error {
	if !r.minuteRequests.checkAndIncrement(time.Now(), time.Minute, r.limits.RequestsPerMinute, 1) {
		return errs.RateLimited("requests/minute")
	}
	return nil
}

// CheckExecution enforces executions/hour.
func (r *RateLimiter) CheckExecution() error {
	if !r.hourExecutions.checkAndIncrement(time.Now(), time.Hour, r.limits.ExecutionsPerHour, 1) {
		return errs.RateLimited("executions/hour")
	}
	return nil
}

// CheckTokens enforces tokens/day for an additional estimate tokens.
func (r *RateLimiter) CheckTokens(estimate int) error {
	if !r.dayTokens.checkAndIncrement(time.Now(), 24*time.Hour, r.limits.TokensPerDay, estimate) {
		return errs.RateLimited("tokens/day")
	}
	return nil
}
