package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
)

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate allowed per client address.
	RequestsPerSecond float64

	// Burst is the token bucket size.
	Burst int

	// CleanupInterval is how often idle clients are forgotten.
	CleanupInterval time.Duration

	// StaleAfter is how long a client may be idle before it is forgotten.
	StaleAfter time.Duration
}

// DefaultRateLimiterConfig sizes the limiter for dashboard reconnect storms:
// a page reload plus a few retries fit in the burst.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 5,
		Burst:             10,
		CleanupInterval:   time.Minute,
		StaleAfter:        5 * time.Minute,
	}
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter throttles requests per client address with a token bucket.
// The server puts it in front of WebSocket upgrades.
type RateLimiter struct {
	cfg RateLimiterConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its cleanup loop. Call Stop
// to end it.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	rl := &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow takes a token for client if one is available.
func (rl *RateLimiter) Allow(client string) bool {
	ok, _ := rl.take(client)
	return ok
}

// take takes a token for client. When none is available it returns how
// long until one will be.
func (rl *RateLimiter) take(client string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[client]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)}
		rl.buckets[client] = b
	}
	b.seen = now
	rl.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Clients returns how many client addresses are being tracked.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) cleanupLoop() {
	t := time.NewTicker(rl.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			rl.evictStale(rl.now())
		}
	}
}

// evictStale forgets clients idle since before now-StaleAfter and
// returns how many were forgotten.
func (rl *RateLimiter) evictStale(now time.Time) int {
	cutoff := now.Add(-rl.cfg.StaleAfter)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for client, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, client)
			n++
		}
	}
	return n
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header in whole seconds.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.take(ClientIP(r))
		if !ok {
			secs := max(1, int(math.Ceil(wait.Seconds())))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			apperrors.WriteError(w, apperrors.RateLimitedError(secs))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the originating client address: the first hop of
// X-Forwarded-For, then X-Real-IP, then the connection's remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
