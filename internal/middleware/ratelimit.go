package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/ratelimit"
)

// Limiter is satisfied by *ratelimit.Limiter.
type Limiter interface {
	HashIP(ip string) string
	Allow(ctx context.Context, key string, cfg ratelimit.LimitConfig) (*ratelimit.Decision, error)
}

// RateLimit limits requests per client address under the given scope. Redis
// failures let the request through.
func RateLimit(l Limiter, scope string, cfg ratelimit.LimitConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		if l == nil || !cfg.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + l.HashIP(clientIP(r))
			d, err := l.Allow(r.Context(), key, cfg)
			if err != nil {
				logger.Warn("rate limit check failed, allowing request", zap.String("scope", scope), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			writeRateLimitHeaders(w, d)
			if !d.Allowed {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP expects RealIP to have normalized RemoteAddr already.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
