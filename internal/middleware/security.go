package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/tributary-ai/provider-router/internal/security"
)

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Limiters       *security.ClassLimiters
	MaxRequestSize int64
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string

	// OnReject is called with the class of every rejected request
	OnReject func(class string)
}

// SecurityMiddleware combines the per-request protections applied by the router
type SecurityMiddleware struct {
	limiters       *security.ClassLimiters
	maxRequestSize int64
	cors           *cors.Cors
	onReject       func(class string)
	logger         *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) *SecurityMiddleware {
	if config == nil {
		config = &SecurityMiddlewareConfig{}
	}

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return &SecurityMiddleware{
		limiters:       config.Limiters,
		maxRequestSize: config.MaxRequestSize,
		cors: cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: config.AllowedMethods,
			AllowedHeaders: config.AllowedHeaders,
			ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		}),
		onReject: config.OnReject,
		logger:   logger,
	}
}

// Handler creates the middleware chain applied to every route
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next

		if s.maxRequestSize > 0 {
			handler = s.bodyLimitMiddleware()(handler)
		}

		handler = s.securityHeadersMiddleware()(handler)
		handler = s.cors.Handler(handler)

		return handler
	}
}

// RateLimit returns the limiter middleware for one endpoint class. Unknown
// classes and a nil limiter set pass requests through.
func (s *SecurityMiddleware) RateLimit(class string) func(http.Handler) http.Handler {
	if s.limiters == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	limiter, err := s.limiters.Get(class)
	if err != nil {
		s.logger.WithError(err).WithField("class", class).Warn("Rate limiting disabled for class")
		return func(next http.Handler) http.Handler { return next }
	}

	var onReject func()
	if s.onReject != nil {
		onReject = func() { s.onReject(class) }
	}
	return security.RateLimitMiddleware(limiter, security.DefaultKeyExtractor, s.logger, onReject)
}

// securityHeadersMiddleware adds security headers to responses
func (s *SecurityMiddleware) securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			w.Header().Set("X-Provider-Router", "active")

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
				r.Header.Set("X-Request-ID", requestID)
			}
			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r)
		})
	}
}

func (s *SecurityMiddleware) bodyLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > s.maxRequestSize {
				s.logger.WithFields(logrus.Fields{
					"path":           r.URL.Path,
					"content_length": r.ContentLength,
					"limit":          s.maxRequestSize,
				}).Warn("Request body too large")
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestSize)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Stop gracefully stops all middleware components
func (s *SecurityMiddleware) Stop() {
	if s.limiters != nil {
		s.limiters.Stop()
	}
}

// GetStats returns security middleware statistics
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"rate_limiter_enabled": s.limiters != nil,
		"max_request_size":     s.maxRequestSize,
	}
}
