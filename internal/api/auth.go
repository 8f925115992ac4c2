package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// RateLimiter tracks failed token checks.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Blocked reports whether ip has used up its failures for the window.
func (r *RateLimiter) Blocked(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prune(ip, time.Now())) >= r.limit
}

// Fail records a failed attempt from ip.
func (r *RateLimiter) Fail(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.attempts[ip] = append(r.prune(ip, now), now)
}

// Reset clears attempts for an IP.
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, ip)
}

func (r *RateLimiter) prune(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	var recent []time.Time
	for _, t := range r.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	r.attempts[ip] = recent
	return recent
}

// Auth checks bearer tokens against a bcrypt hash. An empty hash disables
// authentication, which is only sensible on a loopback listener.
type Auth struct {
	hash    []byte
	limiter *RateLimiter
}

// NewAuth creates an authenticator for the given bcrypt hash.
func NewAuth(hash string) *Auth {
	return &Auth{
		hash:    []byte(hash),
		limiter: NewRateLimiter(5, time.Minute),
	}
}

// Enabled reports whether a token is required.
func (a *Auth) Enabled() bool {
	return len(a.hash) > 0
}

// CheckToken compares token with the configured hash.
func (a *Auth) CheckToken(token string) bool {
	if !a.Enabled() {
		return true
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(token)) == nil
}

// tokenFromRequest reads the bearer token, falling back to the token query
// parameter for WebSocket clients that cannot set headers.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// clientIP returns the host part of the peer address. Failures are counted
// per host, not per connection.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireToken rejects requests without a valid bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if s.auth.limiter.Blocked(ip) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		if !s.auth.CheckToken(tokenFromRequest(r)) {
			s.auth.limiter.Fail(ip)
			s.log.Warn().Str("ip", ip).Msg("rejected request with bad token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		s.auth.limiter.Reset(ip)
		next.ServeHTTP(w, r)
	})
}
