package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gantrygw/gantry/internal/observability"
	"github.com/gantrygw/gantry/internal/util"
)

var errInternal = errors.New("internal server error")

// Recovery returns a middleware that recovers handler panics into a
// 500 response. It is the outermost link of the chain so nothing
// escapes as a crashed connection.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						observability.String("method", r.Method),
						observability.String("path", r.URL.Path),
						observability.Any("panic", rec),
						observability.String("stack", string(debug.Stack())),
					)

					util.WriteError(w, r, errInternal)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
