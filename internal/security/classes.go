package security

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Endpoint classes with independent budgets
const (
	ClassGeneral  = "general"
	ClassGenerate = "generate"
	ClassAuth     = "auth"
)

// ClassLimit is the budget for one endpoint class
type ClassLimit struct {
	Requests int           `yaml:"requests" json:"requests" validate:"min=1"`
	Window   time.Duration `yaml:"window" json:"window" validate:"gt=0"`
}

// DefaultClassLimits returns the built-in budgets
func DefaultClassLimits() map[string]ClassLimit {
	return map[string]ClassLimit{
		ClassGeneral:  {Requests: 100, Window: time.Minute},
		ClassGenerate: {Requests: 10, Window: time.Minute},
		ClassAuth:     {Requests: 5, Window: 15 * time.Minute},
	}
}

// ClassLimiters holds one limiter per endpoint class
type ClassLimiters struct {
	limiters map[string]RateLimiter
	local    []*FixedWindowLimiter
}

// NewClassLimiters builds a limiter for every class. When client is non-nil
// the windows are kept in Redis, otherwise in memory.
func NewClassLimiters(limits map[string]ClassLimit, client *redis.Client, clk clock.Clock, logger *logrus.Logger) *ClassLimiters {
	merged := DefaultClassLimits()
	for class, l := range limits {
		merged[class] = l
	}

	cl := &ClassLimiters{limiters: make(map[string]RateLimiter, len(merged))}
	for class, l := range merged {
		if client != nil {
			cl.limiters[class] = NewRedisFixedWindowLimiter(client, "ratelimit:"+class, l.Requests, l.Window, logger)
			continue
		}
		limiter := NewFixedWindowLimiter(l.Requests, l.Window, clk, logger)
		limiter.StartCleanup(5 * time.Minute)
		cl.limiters[class] = limiter
		cl.local = append(cl.local, limiter)
	}

	logger.WithFields(logrus.Fields{
		"classes": len(cl.limiters),
		"redis":   client != nil,
	}).Info("Rate limiters initialized")
	return cl
}

// Get returns the limiter for a class
func (cl *ClassLimiters) Get(class string) (RateLimiter, error) {
	l, ok := cl.limiters[class]
	if !ok {
		return nil, fmt.Errorf("unknown rate limit class: %s", class)
	}
	return l, nil
}

// Stop stops in-memory cleanup goroutines
func (cl *ClassLimiters) Stop() {
	for _, l := range cl.local {
		l.Stop()
	}
}
