package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"tally.com/internal/domain/port"
	"tally.com/internal/infrastructure/logger"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	callerKey
)

// RequestIDFromContext returns the id assigned by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// CallerFromContext returns the identity attached by AuthMiddleware.
func CallerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callerKey).(string)
	return id
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestIDMiddleware adds a request ID and a request-scoped logger to each request
func RequestIDMiddleware(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", requestID)

			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			ctx = logger.NewContext(ctx, log.WithRequestID(requestID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware logs request details
func LoggingMiddleware(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestLogger := logger.FromContext(r.Context(), log)

			requestLogger.LogInfo(r.Context(), "Incoming request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			requestLogger.LogInfo(r.Context(), "Request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

// AuthMiddleware resolves the caller identity and rejects anonymous requests.
func AuthMiddleware(resolver port.IdentityResolver, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			caller, err := resolver.Identify(ctx, r)
			if err != nil {
				logger.FromContext(ctx, log).LogWarning(ctx, "Caller identification failed", "error", err.Error())
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			ctx = context.WithValue(ctx, callerKey, caller)
			ctx = logger.NewContext(ctx, logger.FromContext(ctx, log).With("caller", caller))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimiter hands out one token bucket per caller. Idle buckets are
// evicted after the configured TTL.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *ttlcache.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a limiter allowing rps requests per second per
// caller with the given burst.
func NewRateLimiter(rps float64, burst int, idle time.Duration) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	limiters := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](idle),
	)
	go limiters.Start()

	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: limiters,
	}
}

// Allow reports whether key may proceed now.
func (l *RateLimiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

// limiter returns the caller's limiter, creating it on first use.
func (l *RateLimiter) limiter(key string) *rate.Limiter {
	if item := l.limiters.Get(key); item != nil {
		return item.Value()
	}
	item, _ := l.limiters.GetOrSet(key, rate.NewLimiter(l.limit, l.burst))
	return item.Value()
}

// Stop ends the eviction loop.
func (l *RateLimiter) Stop() {
	l.limiters.Stop()
}

// Middleware rejects callers that exhausted their bucket with 429. It must run
// after AuthMiddleware.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := CallerFromContext(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		if !l.Allow(key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
