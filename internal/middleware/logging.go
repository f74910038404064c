package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// statusWriter records the status and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status  int
	bytes   int64
	written bool
}

func wrapResponseWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.written {
		return
	}
	sw.status, sw.written = code, true
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.WriteHeader(http.StatusOK)
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Unwrap exposes the inner writer to http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// accessEntry collects fields that inner middleware learn after the access
// logger has already run, such as the authenticated user.
type accessEntry struct {
	userID string
}

type accessEntryKey struct{}

func setLogUserID(ctx context.Context, userID string) {
	if e, ok := ctx.Value(accessEntryKey{}).(*accessEntry); ok {
		e.userID = userID
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Logger writes one line per request. Headers are not logged, so API keys
// never reach the log.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			sw := wrapResponseWriter(w)
			entry := &accessEntry{}

			next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), accessEntryKey{}, entry)))

			attrs := make([]slog.Attr, 0, 9)
			attrs = append(attrs,
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", sw.status),
				slog.Int64("bytes", sw.bytes),
				slog.Float64("duration_ms", float64(time.Since(began).Microseconds())/1000),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			)
			if entry.userID != "" {
				attrs = append(attrs, slog.String("user_id", entry.userID))
			}
			logger.LogAttrs(r.Context(), levelFor(sw.status), "http request", attrs...)
		})
	}
}
