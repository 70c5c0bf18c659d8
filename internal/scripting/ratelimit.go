package scripting

import "time"

// RateLimiter counts host calls per function in fixed one-second windows.
// The host resets windows once per frame via Reset.
type RateLimiter struct {
	limits      Limits
	windowStart time.Time
	counts      map[string]int
}

func NewRateLimiter(l Limits) *RateLimiter {
	return &RateLimiter{limits: l, counts: make(map[string]int)}
}

// Allow records one call of fn, failing once the function's per-second
// budget is spent.
func (r *RateLimiter) Allow(fn string) *Error {
	max := r.limits.RateFor(fn)
	if max <= 0 {
		return nil
	}
	n := r.counts[fn] + 1
	if n > max {
		e := LimitExceeded(LimitAPIRate, int64(max), int64(n))
		e.Function = fn
		return e
	}
	r.counts[fn] = n
	return nil
}

// Reset starts a new window if a second has elapsed since the current one
// began.
func (r *RateLimiter) Reset(now time.Time) {
	if !r.windowStart.IsZero() && now.Sub(r.windowStart) < time.Second {
		return
	}
	r.windowStart = now
	clear(r.counts)
}

// Count returns the calls of fn in the current window.
func (r *RateLimiter) Count(fn string) int { return r.counts[fn] }
