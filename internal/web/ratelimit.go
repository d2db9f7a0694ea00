package web

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"openplus/internal/metrics"
)

// bucketIdle is how long an unused client bucket is kept.
const bucketIdle = 10 * time.Minute

// tokenBucket refills at rate tokens per second up to max.
type tokenBucket struct {
	tokens   float64
	max      float64
	rate     float64
	lastTime time.Time
}

// take consumes one token if available. Otherwise it returns how long until
// the next token is due.
func (b *tokenBucket) take(now time.Time) (bool, time.Duration) {
	b.tokens = math.Min(b.max, b.tokens+now.Sub(b.lastTime).Seconds()*b.rate)
	b.lastTime = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := (1 - b.tokens) / b.rate
	return false, time.Duration(wait * float64(time.Second))
}

// rateLimiter keeps one token bucket per client address.
type rateLimiter struct {
	burst float64
	rate  float64 // tokens per second
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

func newRateLimiter(burst int, perMinute float64) *rateLimiter {
	if burst <= 0 {
		burst = 10
	}
	return &rateLimiter{
		burst:   float64(burst),
		rate:    perMinute / 60,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

func (l *rateLimiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > bucketIdle {
		for k, b := range l.buckets {
			if now.Sub(b.lastTime) > bucketIdle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.burst, max: l.burst, rate: l.rate, lastTime: now}
		l.buckets[key] = b
	}
	return b.take(now)
}

// withRateLimit throttles each client address on the wrapped handler.
func (w *Web) withRateLimit(l *rateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ok, wait := l.allow(clientIP(r))
		if !ok {
			metrics.RateLimited.Inc()
			rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeJSON(rw, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
			return
		}
		next(rw, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
