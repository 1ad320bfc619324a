package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// ErrRateLimitExceeded is what RateLimitResult.Err wraps for a denied request
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter defines the interface for rate limiting
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Reset(ctx context.Context, key string) error
	GetLimits(ctx context.Context, key string) (*RateLimitInfo, error)
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Window     time.Duration `json:"window"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds
func (r *RateLimitResult) RetryAfterSeconds() int {
	return ceilSeconds(r.RetryAfter)
}

// Err is nil when the request was admitted
func (r *RateLimitResult) Err() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %d requests per %s, retry in %ds", ErrRateLimitExceeded, r.Limit, r.Window, r.RetryAfterSeconds())
}

// RateLimitInfo contains current rate limit status
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// FixedWindowLimiter admits up to limit requests per key in each window.
// A key's window restarts on the first request after it has fully elapsed.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock
	logger *logrus.Logger

	windows map[string]*windowState
	mutex   sync.Mutex

	cleanupTicker *clock.Ticker
	stopCleanup   chan struct{}
	stopped       bool
}

type windowState struct {
	count int
	start time.Time
}

// NewFixedWindowLimiter creates an in-memory fixed window limiter
func NewFixedWindowLimiter(limit int, window time.Duration, clk clock.Clock, logger *logrus.Logger) *FixedWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &FixedWindowLimiter{
		limit:       limit,
		window:      window,
		clock:       clk,
		logger:      logger,
		windows:     make(map[string]*windowState),
		stopCleanup: make(chan struct{}),
	}
}

// Admit counts a request for key and reports whether it is within the limit
func (rl *FixedWindowLimiter) Admit(key string) bool {
	allowed, _ := rl.admit(key)
	return allowed
}

func (rl *FixedWindowLimiter) admit(key string) (bool, windowState) {
	now := rl.clock.Now()

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	st, ok := rl.windows[key]
	if !ok || now.Sub(st.start) > rl.window {
		st = &windowState{count: 1, start: now}
		rl.windows[key] = st
		return st.count <= rl.limit, *st
	}

	st.count++
	return st.count <= rl.limit, *st
}

// RetryAfterSeconds is the whole seconds until key's window ends, or 0
func (rl *FixedWindowLimiter) RetryAfterSeconds(key string) int {
	rl.mutex.Lock()
	st, ok := rl.windows[key]
	var start time.Time
	if ok {
		start = st.start
	}
	rl.mutex.Unlock()

	if !ok {
		return 0
	}
	return ceilSeconds(start.Add(rl.window).Sub(rl.clock.Now()))
}

// Allow implements RateLimiter
func (rl *FixedWindowLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	allowed, st := rl.admit(key)
	reset := st.start.Add(rl.window)

	result := &RateLimitResult{
		Allowed:   allowed,
		Limit:     rl.limit,
		Window:    rl.window,
		Remaining: maxInt(rl.limit-st.count, 0),
		ResetTime: reset,
	}

	if !allowed {
		result.RetryAfter = reset.Sub(rl.clock.Now())
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
		rl.logger.WithFields(logrus.Fields{
			"key":         maskKey(key),
			"count":       st.count,
			"limit":       rl.limit,
			"retry_after": result.RetryAfter,
		}).Warn("Rate limit exceeded")
	}
	return result, nil
}

// Reset resets the rate limit for a key
func (rl *FixedWindowLimiter) Reset(ctx context.Context, key string) error {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	delete(rl.windows, key)

	rl.logger.WithField("key", maskKey(key)).Info("Rate limit reset")
	return nil
}

// GetLimits returns current rate limit information for a key
func (rl *FixedWindowLimiter) GetLimits(ctx context.Context, key string) (*RateLimitInfo, error) {
	now := rl.clock.Now()

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	st, ok := rl.windows[key]
	if !ok || now.Sub(st.start) > rl.window {
		return &RateLimitInfo{Limit: rl.limit, Remaining: rl.limit, ResetTime: now.Add(rl.window)}, nil
	}
	return &RateLimitInfo{
		Limit:     rl.limit,
		Used:      st.count,
		Remaining: maxInt(rl.limit-st.count, 0),
		ResetTime: st.start.Add(rl.window),
	}, nil
}

// StartCleanup periodically drops windows that have fully elapsed
func (rl *FixedWindowLimiter) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	rl.mutex.Lock()
	rl.cleanupTicker = rl.clock.Ticker(interval)
	ticker := rl.cleanupTicker
	rl.mutex.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-rl.stopCleanup:
				return
			}
		}
	}()
}

// cleanup removes windows that haven't been used recently
func (rl *FixedWindowLimiter) cleanup() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.clock.Now()
	removed := 0
	for key, st := range rl.windows {
		if now.Sub(st.start) > rl.window {
			delete(rl.windows, key)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.WithField("removed_windows", removed).Debug("Rate limit cleanup completed")
	}
}

// Len returns the number of tracked keys
func (rl *FixedWindowLimiter) Len() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.windows)
}

// Stop stops the rate limiter and cleanup goroutine
func (rl *FixedWindowLimiter) Stop() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if rl.stopped {
		return
	}

	rl.stopped = true
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}
	close(rl.stopCleanup)
}

// RateLimitMiddleware creates rate limiting middleware for one endpoint class.
// onReject may be nil.
func RateLimitMiddleware(rateLimiter RateLimiter, keyExtractor func(*http.Request) string, logger *logrus.Logger, onReject func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := rateLimiter.Allow(r.Context(), key)
			if err != nil {
				// fail open
				logger.WithError(err).Warn("Rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Window", strconv.Itoa(ceilSeconds(result.Window)))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

			if err := result.Err(); err != nil {
				if onReject != nil {
					onReject()
				}
				logger.WithError(err).WithFields(logrus.Fields{
					"path": r.URL.Path,
					"key":  maskKey(key),
				}).Debug("Request rejected")
				retryAfter := result.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]interface{}{
						"message":     "Rate limit exceeded",
						"type":        "rate_limit_error",
						"code":        http.StatusTooManyRequests,
						"retry_after": retryAfter,
					},
					"retryAfter": retryAfter,
					"timestamp":  time.Now().Unix(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKeyExtractor keys on X-Client-ID when present and the client IP otherwise
func DefaultKeyExtractor(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return "client:" + id
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the originating address of a request
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}

// Helper functions

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}
