package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/savesync/savesync/internal/auth"
	"github.com/savesync/savesync/internal/cache"
)

// RateLimiter checks token buckets. *cache.Cache implements it.
type RateLimiter interface {
	CheckKeyRateLimit(ctx context.Context, keyID string, requestsPerMinute, burst int) (*cache.RateLimitResult, error)
	CheckIPRateLimit(ctx context.Context, ip string, rps, burst int) (*cache.RateLimitResult, error)
}

// RateLimitConfig holds both limits. A limit is off unless enabled with a
// positive rate and a non-nil Limiter.
type RateLimitConfig struct {
	Logger  *slog.Logger
	Limiter RateLimiter

	// Per API key, on authenticated routes.
	KeyEnabled           bool
	KeyRequestsPerMinute int
	KeyBurst             int

	// Per client address, on registration.
	IPEnabled bool
	IPRPS     int
	IPBurst   int
}

// limitCheck takes a token for r. ok=false means the request is not subject
// to this limit. limit, when positive, is advertised in X-RateLimit-Limit.
type limitCheck func(r *http.Request) (res *cache.RateLimitResult, subject string, ok bool, err error)

func limited(logger *slog.Logger, kind string, limit int, check limitCheck) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, subject, ok, err := check(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				// Redis trouble must not take the API down.
				logger.Error("rate limit check failed",
					slog.String("type", kind),
					slog.String("subject", subject),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			if limit > 0 {
				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
				h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
				h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("rate limit exceeded",
				slog.String("type", kind),
				slog.String("subject", subject),
				slog.String("endpoint", r.Method+" "+r.URL.Path),
				slog.Duration("retry_after", res.RetryAfter),
				slog.String("request_id", GetRequestID(r.Context())),
			)
			writeRateLimited(w, res.RetryAfter)
		})
	}
}

// RateLimitKey limits authenticated callers per API key. It must run after
// Auth; anonymous requests pass through.
func RateLimitKey(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.KeyEnabled || cfg.Limiter == nil || cfg.KeyRequestsPerMinute <= 0 {
		return passthrough
	}
	return limited(cfg.Logger, "key", cfg.KeyRequestsPerMinute, func(r *http.Request) (*cache.RateLimitResult, string, bool, error) {
		a := auth.AuthFromContext(r.Context())
		if a == nil {
			return nil, "", false, nil
		}
		res, err := cfg.Limiter.CheckKeyRateLimit(r.Context(), a.KeyID, cfg.KeyRequestsPerMinute, cfg.KeyBurst)
		return res, a.KeyID, true, err
	})
}

// RateLimitIP limits requests per client address.
func RateLimitIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.IPEnabled || cfg.Limiter == nil || cfg.IPRPS <= 0 {
		return passthrough
	}
	return limited(cfg.Logger, "ip", 0, func(r *http.Request) (*cache.RateLimitResult, string, bool, error) {
		ip := clientIP(r)
		res, err := cfg.Limiter.CheckIPRateLimit(r.Context(), ip, cfg.IPRPS, cfg.IPBurst)
		return res, ip, true, err
	})
}

func passthrough(next http.Handler) http.Handler { return next }

// writeRateLimited answers 429 with a whole-second Retry-After of at least 1.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := max(1, int(retryAfter/time.Second))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeEnvelope(w, http.StatusTooManyRequests, "RATE_LIMITED", fmt.Sprintf("Too many requests, retry in %d s", secs))
}

// clientIP is RemoteAddr without the port. chi's RealIP has already applied
// forwarding headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
