package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/scriptdigest/internal/httpmw"
)

// visitor tracks a single IPs limiter and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether we have already emitted the first-denial log
	// resets when the entry is evicted and re-created
	logged bool
}

// IPLimiter holds per-IP rate limiters with background eviction
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	// rate controls: requests per second and burst ceiling
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle IP stays in the map before cleanup evicts it
	ttl time.Duration

	// maxVisitors caps the visitor map size so an attacker rotating source
	// addresses cannot grow it without bound. 0 disables the cap.
	maxVisitors int
	// capacityNotified gates OnCapacity to one call per full period,
	// reset by cleanup once eviction frees room
	capacityNotified bool

	// OnFirstDenied is called once per visitor when they first get rate limited
	// ip is the raw IP string (no port)
	OnFirstDenied func(ip string)

	// OnDenied is called on every denied request, used for incrementing prometheus counter
	OnDenied func(ip string)

	// OnCapacity is called once when the visitor map first hits maxVisitors
	OnCapacity func()
}

type Option func(*IPLimiter)

// WithRate sets the request limit bucket size and the refill rate.
// burst is the total capacity of the bucket, perSecond is how many tokens
// are added to the bucket each second. WithRate(10, 50) allows 50 requests
// at once, then refills at 10 requests per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle IP stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) {
		l.ttl = d
	}
}

// WithOnFirstDenied sets a callback for the first denial per visitor, used
// for logging. Separate from OnDenied so one offender produces a single log
// line while every denial still counts in metrics.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.OnDenied = fn
	}
}

// WithMaxVisitors caps how many distinct IPs can be tracked at once.
// New IPs are rejected while the map is full; existing visitors keep
// their normal rate limits. 0 disables the cap.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) {
		l.maxVisitors = n
	}
}

// WithOnCapacity sets a callback fired once when the visitor map fills
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) {
		l.OnCapacity = fn
	}
}

// New creates an IPLimiter and starts the background cleanup goroutine.
// The context cancels cleanup on app shutdown.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// allow checks whether the given IP is within its rate limit, creating the
// visitor entry on first sight. Returns true if the request should proceed.
func (l *IPLimiter) allow(ip string) bool {
	l.mu.Lock()
	v, exists := l.visitors[ip]
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			notify := !l.capacityNotified
			l.capacityNotified = true
			l.mu.Unlock()
			if notify && l.OnCapacity != nil {
				l.OnCapacity()
			}
			if l.OnDenied != nil {
				l.OnDenied(ip)
			}
			return false
		}
		v = &visitor{
			limiter: rate.NewLimiter(l.perSecond, l.burst),
		}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	if !allowed && !v.logged {
		v.logged = true
		// release the lock before calling hooks, they may do slow work
		l.mu.Unlock()
		if l.OnFirstDenied != nil {
			l.OnFirstDenied(ip)
		}
		if l.OnDenied != nil {
			l.OnDenied(ip)
		}
		return false
	}

	l.mu.Unlock()

	if !allowed && l.OnDenied != nil {
		l.OnDenied(ip)
	}

	return allowed
}

// cleanup periodically evicts visitors that haven't been seen within the TTL.
// Runs every TTL/2 to avoid holding stale entries much longer than intended.
func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for ip, v := range l.visitors {
				if now.Sub(v.lastSeen) > l.ttl {
					delete(l.visitors, ip)
				}
			}
			if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
				l.capacityNotified = false
			}
			l.mu.Unlock()
		}
	}
}

// Middleware returns middleware that rejects requests over the per-ip rate limit with 429
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// resolved by the ClientIP middleware, which decides when forwarded
		// headers can be trusted
		ip := httpmw.ClientIPFromContext(r.Context())

		if !l.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// intentionally not including detail about limits, remaining budget, or when the bucket refills
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
