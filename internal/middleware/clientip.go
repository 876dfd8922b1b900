package middleware

import (
	"net/http"

	"github.com/gantrygw/gantry/internal/util"
)

// ClientIP returns a middleware that resolves the client IP once and
// stores it in the context for rate-limit keying and access logs.
func ClientIP(extractor *util.ClientIPExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := util.ContextWithClientIP(r.Context(), extractor.Extract(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
