package auth

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies a per-actor token bucket. Actors are the session user
// when resolved, the remote address otherwise. Idle buckets are evicted
// after an hour.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter builds a limiter allowing rps sustained requests per actor
// with the given burst.
func NewLimiter(rps float64, burst int) *Limiter {
	l := &Limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
	go l.evict()
	return l
}

func (l *Limiter) allow(actor string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[actor]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[actor] = b
	}
	b.lastSeen = time.Now()
	return b.lim.Allow()
}

func (l *Limiter) evict() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		l.mu.Lock()
		for actor, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, actor)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware enforces the limit, answering 429 with Retry-After when an
// actor exceeds it. A nil limiter fails open.
func (l *Limiter) Middleware(reject func(w http.ResponseWriter, retryAfterSecs int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}
			actor := r.RemoteAddr
			if sess, err := SessionFrom(r.Context()); err == nil {
				actor = sess.TenantID + "/" + sess.UserID
			}
			if !l.allow(actor) {
				reject(w, 1)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
