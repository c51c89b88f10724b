package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// withAuth requires the configured token as "Authorization: Bearer <token>"
// or, for browser websocket clients, "?token=<token>".
func (s *Server) withAuth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := bearerToken(r)
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if !tokenMatches(got, tok) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const p = "Bearer "
	if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
		return strings.TrimSpace(strings.TrimPrefix(ah, p))
	}
	return ""
}

func tokenMatches(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// clientLimiter is a token bucket per client IP.
type clientLimiter struct {
	mu       sync.Mutex
	entries  map[string]*limiterEntry
	perSec   rate.Limit
	burst    int
	entryTTL time.Duration
}

func newClientLimiter(perSec float64, burst int, ttl time.Duration) *clientLimiter {
	return &clientLimiter{
		entries:  make(map[string]*limiterEntry),
		perSec:   rate.Limit(perSec),
		burst:    burst,
		entryTTL: ttl,
	}
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[client]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.entries[client] = e
	}
	e.lastAccess = time.Now()
	return e.limiter.Allow()
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sweepLoop drops idle clients until ctx ends.
func (l *clientLimiter) sweepLoop(ctx context.Context) {
	t := time.NewTicker(l.entryTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.sweep(time.Now())
		}
	}
}

func (l *clientLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.entryTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if e.lastAccess.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// clientIP uses the socket peer; forwarded headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
