// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rate limit scopes. Each scope has its own counters in the store.
const (
	ScopeGlobal    = "global"
	ScopeRecommend = "recommend"
	ScopeAdmin     = "admin"
)

// RateLimitConfig is one fixed-window budget.
type RateLimitConfig struct {
	// Scope namespaces the counters and labels the metrics.
	Scope string
	// Requests is the number allowed per Window.
	Requests int
	Window   time.Duration
}

// Validate rejects empty budgets.
func (c RateLimitConfig) Validate() error {
	if c.Requests <= 0 {
		return fmt.Errorf("rate limit %q: requests must be > 0 (got %d)", c.Scope, c.Requests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit %q: window must be > 0 (got %s)", c.Scope, c.Window)
	}
	return nil
}

// PerMinute returns a one-minute budget for scope.
func PerMinute(scope string, requests int) RateLimitConfig {
	return RateLimitConfig{Scope: scope, Requests: requests, Window: time.Minute}
}

// Limits are the budgets the API server applies.
type Limits struct {
	Global    RateLimitConfig // every request
	Recommend RateLimitConfig // /dishes/recommended, which ranks per call
	Admin     RateLimitConfig // /admin/*, where POST retrains synchronously
}

// DefaultLimits returns 100, 30 and 10 requests per minute.
func DefaultLimits() Limits {
	return Limits{
		Global:    PerMinute(ScopeGlobal, 100),
		Recommend: PerMinute(ScopeRecommend, 30),
		Admin:     PerMinute(ScopeAdmin, 10),
	}
}

// Validate checks every budget.
func (l Limits) Validate() error {
	for _, c := range []RateLimitConfig{l.Global, l.Recommend, l.Admin} {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RateLimitStore counts requests per key. Implementations must be safe for
// concurrent use.
type RateLimitStore interface {
	// Allow records one request for key and reports whether it fits the
	// budget. When it does not, retryAfter is the whole seconds until the
	// window resets (at least 1).
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, retryAfter int)
}

type window struct {
	count  int
	resets time.Time
}

// InMemoryRateLimitStore is a process-local fixed-window store used when no
// Redis is configured. Call Cleanup periodically to drop stale windows.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resets) {
		s.windows[key] = &window{count: 1, resets: now.Add(config.Window)}
		return true, 0
	}
	if w.count < config.Requests {
		w.count++
		return true, 0
	}
	return false, retrySeconds(w.resets.Sub(now))
}

// Cleanup drops windows that have already reset.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, w := range s.windows {
		if !now.Before(w.resets) {
			delete(s.windows, key)
		}
	}
}

// Len returns the number of live windows.
func (s *InMemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// KeyFunc extracts the rate limit identity from a request.
type KeyFunc func(r *http.Request) string

// Key prefixes produced by RequesterKeyFunc.
const (
	requesterKeyPrefix = "requester:"
	ipKeyPrefix        = "ip:"
)

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequesterKeyFunc keys by requesting account when the Requester middleware
// found one, and by client IP otherwise.
func RequesterKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if id := GetRequesterID(r.Context()); id != "" {
			return requesterKeyPrefix + id
		}
		return ipKeyPrefix + ClientIP(r)
	}
}

// keyType labels a key produced by RequesterKeyFunc for metrics.
func keyType(key string) string {
	if strings.HasPrefix(key, requesterKeyPrefix) {
		return "requester"
	}
	return "ip"
}

// RateLimiter rejects requests over config's budget with 429 and the
// rate_limited envelope. Counters are stored under "<scope>:<key>" so
// limiters sharing a store stay independent. metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			kind := keyType(key)
			if config.Scope != "" {
				key = config.Scope + ":" + key
			}
			if metrics != nil {
				metrics.IncRateLimitRequests(config.Scope, kind)
			}

			allowed, retryAfter := store.Allow(r.Context(), key, config)
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			if metrics != nil {
				metrics.IncRateLimitBlocked(config.Scope, kind)
			}
			writeRateLimited(w, r, retryAfter)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter int) {
	UpdateResponseContext(w, SetErrorCode(r.Context(), "rate_limited"))

	reset := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
	h := w.Header()
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	h.Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"Too many requests"}}`))
}
