package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
)

// Recoverer turns a handler panic into a logged 500. http.ErrAbortHandler is
// re-raised so net/http can drop the connection. With dumpStack the trace is
// also written to stderr for local debugging.
func Recoverer(logger *slog.Logger, dumpStack bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}

				stack := debug.Stack()
				logger.Error("handler panicked",
					slog.String("request_id", GetRequestID(r.Context())),
					slog.String("route", r.Method+" "+r.URL.Path),
					slog.Any("panic", v),
					slog.String("stack", string(stack)),
				)
				if dumpStack {
					_, _ = os.Stderr.Write(stack)
				}
				writeInternalError(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
