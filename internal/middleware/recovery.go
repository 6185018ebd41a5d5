package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/pool-core/internal/apierror"
)

// Recovery returns middleware that converts a panic anywhere on the daemon's
// health or admin surface into a logged stack trace and a 500 JSON error, so
// a single bad request cannot take the pool manager down with it.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					stack := string(debug.Stack())
					logger.Error("panic while serving request",
						"error", err,
						"stack", stack,
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", GetRequestID(r.Context()),
					)
					apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
