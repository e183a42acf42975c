package filter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zonedesk/zonedesk/internal/events"
)

// RateLimitConfig bounds delivery per recipient: at most Events per Window,
// refilled continuously.
type RateLimitConfig struct {
	Events int
	Window time.Duration
}

// DefaultRateLimitConfig returns the default per-recipient budget.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Events: 100,
		Window: 10 * time.Second,
	}
}

// RateLimit drops below-critical events for recipients over budget.
// Critical events always pass and do not consume budget.
type RateLimit struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimit creates a rate limit filter. A non-positive Events disables limiting.
func NewRateLimit(cfg RateLimitConfig) *RateLimit {
	return &RateLimit{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (*RateLimit) Name() string { return "rate_limit" }

func (l *RateLimit) Apply(now time.Time, r Recipient, e events.Event) (events.Event, Reason) {
	if e.Priority == events.PriorityCritical || l.cfg.Events <= 0 || l.cfg.Window <= 0 {
		return e, ReasonNone
	}
	if !l.limiter(r.UserID).AllowN(now, 1) {
		return e, ReasonRateLimited
	}
	return e, ReasonNone
}

func (l *RateLimit) limiter(user string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[user]
	if !ok {
		every := l.cfg.Window / time.Duration(l.cfg.Events)
		lim = rate.NewLimiter(rate.Every(every), l.cfg.Events)
		l.limiters[user] = lim
	}
	return lim
}

// Forget drops the budget of a detached user.
func (l *RateLimit) Forget(user string) {
	l.mu.Lock()
	delete(l.limiters, user)
	l.mu.Unlock()
}

// Tracked returns how many recipients currently have a budget.
func (l *RateLimit) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// NewDefaultChain builds the standard chain: permission, sensitivity,
// then rate limit. The rate limiter is returned so callers can forget
// detached users.
func NewDefaultChain(policy *events.Policy, cfg RateLimitConfig) (*Chain, *RateLimit) {
	rl := NewRateLimit(cfg)
	return NewChain(
		Permission{Policy: policy},
		Sensitivity{Policy: policy},
		rl,
	), rl
}
