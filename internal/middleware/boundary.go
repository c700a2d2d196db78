package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Boundary is the last line of defence: a panic anywhere below it stops the
// request and the raw panic value is sent back as the error message.
//
// There is no attempt at partial recovery. Whatever the handler had written
// stays written; if the headers are already out only the log records it.
func Boundary(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					// net/http uses this to abort silently; let it through.
					panic(p)
				}

				raw := fmt.Sprint(p)
				logger.Error("panic in handler",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error", raw),
					slog.String("stack", string(debug.Stack())),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "internal_error",
					"message": raw,
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
