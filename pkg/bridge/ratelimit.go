package bridge

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OriginLimiter keeps one token bucket per key (an origin for envelopes, a
// client address for HTTP calls).
type OriginLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	rpm      int
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewOriginLimiter allows rpm requests per minute per key with the given
// burst. A non-positive rpm disables limiting.
func NewOriginLimiter(rpm, burst int) *OriginLimiter {
	if burst < 1 {
		burst = 1
	}
	l := rate.Inf
	if rpm > 0 {
		l = rate.Limit(float64(rpm) / 60)
	}
	return &OriginLimiter{
		visitors: make(map[string]*visitor),
		limit:    l,
		rpm:      rpm,
		burst:    burst,
		idle:     3 * time.Minute,
		now:      time.Now,
	}
}

func (o *OriginLimiter) get(key string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(o.limit, o.burst)}
		o.visitors[key] = v
	}
	v.lastSeen = o.now()
	return v.limiter
}

// Allow reports whether key may make one more request now.
func (o *OriginLimiter) Allow(key string) bool {
	if o == nil || o.limit == rate.Inf {
		return true
	}
	return o.get(key).Allow()
}

// RetryAfter is the whole number of seconds until one token refills.
func (o *OriginLimiter) RetryAfter() int {
	if o.rpm <= 0 || o.rpm >= 60 {
		return 1
	}
	return (60 + o.rpm - 1) / o.rpm
}

// Sweep forgets keys not seen within the idle window.
func (o *OriginLimiter) Sweep() {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := o.now().Add(-o.idle)
	for k, v := range o.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(o.visitors, k)
		}
	}
}

// Run sweeps every minute until ctx ends.
func (o *OriginLimiter) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.Sweep()
		}
	}
}

// Tracked returns how many keys currently hold a bucket.
func (o *OriginLimiter) Tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.visitors)
}

func clientAddr(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// Middleware rejects HTTP calls over the per-client limit with 429.
func (o *OriginLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !o.Allow(clientAddr(r)) {
			WriteTooManyRequests(w, r, o.RetryAfter())
			return
		}
		next.ServeHTTP(w, r)
	})
}
