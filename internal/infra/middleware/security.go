package middleware

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders sets response headers for the gateway's HTTP endpoints.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// IPLimiterConfig configures an IPLimiter.
type IPLimiterConfig struct {
	RequestsPerMin int
	Burst          int
	// TrustedProxies may set X-Forwarded-For and X-Real-IP. Headers from
	// anyone else are ignored.
	TrustedProxies []string
	// IdleTTL drops a client's bucket after this long without requests.
	IdleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a token bucket per client IP.
type IPLimiter struct {
	cfg     IPLimiterConfig
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewIPLimiter creates an IPLimiter. Zero RequestsPerMin disables limiting.
func NewIPLimiter(cfg IPLimiterConfig) *IPLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, cfg.RequestsPerMin/6)
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	return &IPLimiter{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
}

// Allow reports whether ip may make a request now.
func (l *IPLimiter) Allow(ip string) bool {
	if l.cfg.RequestsPerMin <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMin)/60), l.cfg.Burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = l.now()
	limiter := b.limiter
	l.mu.Unlock()
	return limiter.Allow()
}

// Sweep drops buckets idle for longer than IdleTTL and returns how many remain.
func (l *IPLimiter) Sweep() int {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
	return len(l.buckets)
}

// Run sweeps idle buckets every minute until ctx is done.
func (l *IPLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r, l.cfg.TrustedProxies)) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the peer address of r. Forwarding headers are honoured
// only when the peer is a trusted proxy.
func ClientIP(r *http.Request, trustedProxies []string) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !slices.Contains(trustedProxies, peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}
