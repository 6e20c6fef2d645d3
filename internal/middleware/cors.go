// Package middleware provides HTTP middleware for the build relay.
package middleware

import (
	"net/http"
	"slices"

	"github.com/go-chi/cors"
)

const corsMaxAge = 300

// CORS returns middleware that handles CORS headers. exposed lists response
// headers browsers may read, such as the quota headers.
func CORS(allowedOrigins []string, exposed ...string) func(http.Handler) http.Handler {
	// Credentials are allowed only for explicit origins, never for a wildcard
	// that would echo any origin back.
	wildcard := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID", "X-Request-Id"},
		ExposedHeaders:   exposed,
		AllowCredentials: !wildcard,
		MaxAge:           corsMaxAge,
	})
}
