package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenrepo/internal/appcontext"
)

// Correlation puts the X-Correlation-Id of the request into the request context, generating one when missing.
// The id is echoed in the response.
func Correlation() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationId := r.Header.Get(appcontext.CorrelationHeader)
			if correlationId == "" {
				correlationId = uuid.NewString()
			}
			w.Header().Set(appcontext.CorrelationHeader, correlationId)
			next.ServeHTTP(w, r.WithContext(appcontext.WithCorrelationId(r.Context(), correlationId)))
		})
	}
}
