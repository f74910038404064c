package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/savesync/savesync/internal/auth"
	"github.com/savesync/savesync/internal/model"
	"github.com/savesync/savesync/internal/service"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

// KeyValidator resolves an API key to its owner.
type KeyValidator interface {
	Validate(ctx context.Context, key string) (*model.AuthContext, error)
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Logger    *slog.Logger
	Validator KeyValidator
	// MinDuration pads every authentication to at least this long so that
	// cache hits, misses and failures take the same time. Zero disables it.
	MinDuration time.Duration
}

// Auth returns a middleware that authenticates API requests and injects the
// auth context. Invalid keys get 401; validator failures get 500 so that
// clients do not re-register during an outage.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, err := authenticate(r, cfg)
			if err != nil {
				reqLog := cfg.Logger.With(
					slog.String("ip", r.RemoteAddr),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				if errors.Is(err, service.ErrUnauthorized) {
					reqLog.Warn("authentication failed", slog.String("reason", err.Error()))
					writeAuthError(w)
					return
				}
				reqLog.Error("authentication error", slog.String("error", err.Error()))
				writeInternalError(w)
				return
			}

			cfg.Logger.Debug("authentication successful",
				slog.String("key_prefix", authCtx.KeyPrefix),
				slog.String("user_id", authCtx.UserID),
				slog.String("request_id", GetRequestID(r.Context())),
			)

			setLogUserID(r.Context(), authCtx.UserID)
			ctx := auth.ContextWithAuth(r.Context(), authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, cfg AuthConfig) (*model.AuthContext, error) {
	if cfg.MinDuration > 0 {
		defer padUntil(r.Context(), time.Now().Add(cfg.MinDuration))
	}
	key, ok := apiKeyFrom(r.Header)
	if !ok {
		return nil, service.ErrUnauthorized
	}
	return cfg.Validator.Validate(r.Context(), key)
}

// padUntil sleeps until deadline or until the client goes away.
func padUntil(ctx context.Context, deadline time.Time) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// apiKeyFrom reads X-API-Key, falling back to "Authorization: Bearer".
func apiKeyFrom(h http.Header) (string, bool) {
	if key := strings.TrimSpace(h.Get(APIKeyHeader)); key != "" {
		return key, true
	}
	if token, ok := strings.CutPrefix(h.Get("Authorization"), "Bearer "); ok {
		token = strings.TrimSpace(token)
		return token, token != ""
	}
	return "", false
}

// writeAuthError answers 401 with one message for every failure, so callers
// cannot tell unknown keys from revoked ones.
func writeAuthError(w http.ResponseWriter) {
	writeEnvelope(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key")
}

func writeInternalError(w http.ResponseWriter) {
	writeEnvelope(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
}

// writeEnvelope writes the API error body. code and msg are constants, so
// no JSON escaping is needed.
func writeEnvelope(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, code, msg)
}
