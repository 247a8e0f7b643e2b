package policy

import (
	"sync"
	"time"

	"vigil/internal/logging"
)

// Window is one actuator's rate-limit accounting state.
type Window struct {
	Period      Period `json:"period"`
	WindowStart int64  `json:"window_start"` // unix seconds
	Count       uint32 `json:"count"`
}

// RateLimiter tracks fixed windows per actuator.
//
// CheckAndIncrement is the only mutating entry point and holds the limiter
// lock for the whole check-then-increment step, so two near-simultaneous
// actions can never both pass a count==max-1 check.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*Window
	now     func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*Window),
		now:     time.Now,
	}
}

// SetClock overrides the limiter's clock. Test hook.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

// CheckAndIncrement atomically admits or rejects one execution of the named
// actuator under the given limit. On admit the window count is incremented;
// on reject nothing changes. The window resets when now crosses
// window_start + period.
func (rl *RateLimiter) CheckAndIncrement(actuatorName string, limit RateLimit) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[actuatorName]
	if !ok || w.Period != limit.Per {
		w = &Window{Period: limit.Per, WindowStart: now.Unix()}
		rl.windows[actuatorName] = w
	}

	if now.Sub(time.Unix(w.WindowStart, 0)) >= limit.Per.Duration() {
		w.WindowStart = now.Unix()
		w.Count = 0
	}

	if w.Count >= limit.Max {
		logging.PolicyDebug("rate limit hit for %q: %d/%d per %s",
			actuatorName, w.Count, limit.Max, limit.Per)
		return false
	}

	w.Count++
	return true
}

// CountFor returns the current window count for an actuator. Observability
// accessor; does not reset expired windows.
func (rl *RateLimiter) CountFor(actuatorName string) uint32 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if w, ok := rl.windows[actuatorName]; ok {
		return w.Count
	}
	return 0
}

// Snapshot returns a copy of every window, for persistence.
func (rl *RateLimiter) Snapshot() map[string]Window {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	out := make(map[string]Window, len(rl.windows))
	for name, w := range rl.windows {
		out[name] = *w
	}
	return out
}

// Restore replaces the limiter state, typically from the store at startup so
// rate guarantees survive restarts.
func (rl *RateLimiter) Restore(windows map[string]Window) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.windows = make(map[string]*Window, len(windows))
	for name, w := range windows {
		copied := w
		rl.windows[name] = &copied
	}
}
