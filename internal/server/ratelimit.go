package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter hands out one token bucket per client IP. Each bucket holds
// limit tokens and refills at limit per window.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	limit   int
	window  time.Duration
	now     func() time.Time
}

type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(limit int, window time.Duration) *clientLimiter {
	return &clientLimiter{
		clients: make(map[string]*clientBucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// allow reports whether ip may proceed and, if not, how long until it may.
func (l *clientLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	c, ok := l.clients[ip]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.limit))
		c = &clientBucket{bucket: rate.NewLimiter(every, l.limit)}
		l.clients[ip] = c
	}
	c.lastSeen = now

	r := c.bucket.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweep forgets clients idle for a full window; their buckets are full again.
func (l *clientLimiter) sweep(now time.Time) {
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > l.window {
			delete(l.clients, ip)
		}
	}
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.allow(clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			respondError(w, http.StatusTooManyRequests,
				"rate limit exceeded: maximum "+strconv.Itoa(l.limit)+" requests per "+l.window.String())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
